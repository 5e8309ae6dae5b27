package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/domain"
)

// DriverConfig holds the connection settings for the per-host node daemons
// that actually build instances.
type DriverConfig struct {
	// Port is the node daemon port on every host.
	Port int `mapstructure:"port"`
	// Scheme is http or https.
	Scheme string `mapstructure:"scheme"`
}

// HTTPDriver delegates builds to the node daemon running on the chosen
// host. The daemon owns the hypervisor-specific work; the conductor only
// awaits the outcome.
type HTTPDriver struct {
	config DriverConfig
	http   *http.Client
	logger *zap.Logger
}

var _ BuildDriver = (*HTTPDriver)(nil)

// NewHTTPDriver creates a build driver speaking the node daemon REST API.
func NewHTTPDriver(cfg DriverConfig, logger *zap.Logger) *HTTPDriver {
	if cfg.Port <= 0 {
		cfg.Port = 9090
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	return &HTTPDriver{
		config: cfg,
		http:   &http.Client{},
		logger: logger.With(zap.String("component", "build-driver")),
	}
}

type buildRequest struct {
	InstanceID string              `json:"instance_id"`
	HostID     string              `json:"host_id"`
	Spec       *domain.RequestSpec `json:"spec"`
}

// Build implements BuildDriver. It blocks until the daemon answers or the
// context expires; the conductor's build timeout applies through the
// context.
func (d *HTTPDriver) Build(ctx context.Context, host *domain.HostState, spec *domain.RequestSpec, instanceID string) error {
	body, err := json.Marshal(buildRequest{
		InstanceID: instanceID,
		HostID:     host.ID,
		Spec:       spec,
	})
	if err != nil {
		return fmt.Errorf("failed to encode build request: %w", err)
	}

	endpoint := fmt.Sprintf("%s://%s:%d/v1/instances", d.config.Scheme, host.Hostname, d.config.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build daemon request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	d.logger.Debug("Delegating build to node daemon",
		zap.String("instance_id", instanceID),
		zap.String("endpoint", endpoint),
	)

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("node daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("node daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
