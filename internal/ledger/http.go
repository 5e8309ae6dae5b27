package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/domain"
)

// HTTPConfig holds the connection settings for the ledger's REST API.
type HTTPConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// MaxRetries bounds the immediate retries on transport or 5xx failures.
	// These retries never consume the placement retry budget.
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// HTTPClient implements Client against the ledger's REST API.
type HTTPClient struct {
	config HTTPConfig
	http   *http.Client
	logger *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a ledger client for the given endpoint.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &HTTPClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "ledger")),
	}
}

// ListProviders implements Client.
func (c *HTTPClient) ListProviders(ctx context.Context, filters ProviderFilters) ([]*domain.HostState, error) {
	query := url.Values{}
	if filters.AvailabilityZone != "" {
		query.Set("availability_zone", filters.AvailabilityZone)
	}
	if filters.Aggregate != "" {
		query.Set("aggregate", filters.Aggregate)
	}

	var payload providerListPayload
	if err := c.do(ctx, http.MethodGet, "/resource-providers", query, nil, &payload); err != nil {
		return nil, err
	}

	hosts := make([]*domain.HostState, 0, len(payload.ResourceProviders))
	for i := range payload.ResourceProviders {
		hosts = append(hosts, payload.ResourceProviders[i].toDomain())
	}
	return hosts, nil
}

// GetProvider implements Client.
func (c *HTTPClient) GetProvider(ctx context.Context, id string) (*domain.HostState, error) {
	var payload providerPayload
	err := c.do(ctx, http.MethodGet, "/resource-providers/"+url.PathEscape(id), nil, nil, &payload)
	if err != nil {
		return nil, err
	}
	return payload.toDomain(), nil
}

// AllocationCandidates implements Client.
func (c *HTTPClient) AllocationCandidates(ctx context.Context, resources map[domain.ResourceClass]int64, required []string) ([]ProviderSummary, error) {
	query := url.Values{}
	query.Set("resources", encodeResources(resources))
	if len(required) > 0 {
		query.Set("required", strings.Join(required, ","))
	}

	var payload allocationCandidatesPayload
	if err := c.do(ctx, http.MethodGet, "/allocation_candidates", query, nil, &payload); err != nil {
		return nil, err
	}

	candidates := make([]ProviderSummary, 0, len(payload.Providers))
	for _, p := range payload.Providers {
		candidates = append(candidates, ProviderSummary{ID: p.UUID, Generation: p.Generation})
	}
	return candidates, nil
}

// PutAllocations implements Client.
func (c *HTTPClient) PutAllocations(ctx context.Context, alloc *domain.Allocation) (int64, error) {
	body := allocationWritePayload{
		Allocations: map[string]allocationEntry{
			alloc.HostID: {
				Resources:          alloc.Resources,
				ProviderGeneration: alloc.ProviderGeneration,
			},
		},
	}

	var resp allocationWriteResponse
	err := c.do(ctx, http.MethodPut, "/allocations/"+url.PathEscape(alloc.ConsumerID), nil, body, &resp)
	if err != nil {
		return 0, err
	}
	return resp.ProviderGenerations[alloc.HostID], nil
}

// DeleteAllocations implements Client.
func (c *HTTPClient) DeleteAllocations(ctx context.Context, consumerID string) error {
	err := c.do(ctx, http.MethodDelete, "/allocations/"+url.PathEscape(consumerID), nil, nil, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// do performs one request with bounded retries on transport and 5xx
// failures. 409 maps to domain.ErrClaimConflict and is never retried here;
// conflict recovery belongs to the orchestrator.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := strings.TrimRight(c.config.Endpoint, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying ledger request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, ctx.Err())
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to build ledger request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		done, err := c.handleResponse(resp, out)
		if done {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, lastErr)
}

// handleResponse decodes the response. done=false means the request should
// be retried (5xx).
func (c *HTTPClient) handleResponse(resp *http.Response, out any) (done bool, err error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return true, domain.ErrClaimConflict
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return true, domain.ErrNotFound
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("ledger returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, fmt.Errorf("ledger rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return true, fmt.Errorf("failed to decode ledger response: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// encodeResources renders a resources query value like
// "DISK_GB:80,MEMORY_MB:8192,VCPU:4", keys sorted for stable URLs.
func encodeResources(resources map[domain.ResourceClass]int64) string {
	classes := make([]string, 0, len(resources))
	for class := range resources {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)

	parts := make([]string, 0, len(classes))
	for _, class := range classes {
		parts = append(parts, fmt.Sprintf("%s:%d", class, resources[domain.ResourceClass(class)]))
	}
	return strings.Join(parts, ",")
}
