package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/domain"
)

// Failure reason codes surfaced to the caller. They distinguish "no capacity
// anywhere" from "capacity existed but every attempt failed" from
// "infrastructure error talking to the ledger".
const (
	reasonNoValidHost        = "no_valid_host"
	reasonMaxRetriesExceeded = "max_retries_exceeded"
	reasonLedgerUnavailable  = "ledger_unavailable"
	reasonInternal           = "internal_error"
)

type placementFailure struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	// TriedHosts lists the hosts attempted before giving up, when known.
	TriedHosts []string `json:"tried_hosts,omitempty"`
}

type instanceResponse struct {
	InstanceID string            `json:"instance_id"`
	HostID     string            `json:"host_id,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Conflicts  int               `json:"conflicts,omitempty"`
	Failure    *placementFailure `json:"failure,omitempty"`
}

type placementResponse struct {
	RequestID string             `json:"request_id"`
	Instances []instanceResponse `json:"instances"`
}

// handlePlacements accepts a RequestSpec-shaped payload and answers with the
// per-instance placement outcome.
func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	var spec domain.RequestSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if spec.Demand.VCPUs <= 0 || spec.Demand.MemoryMB <= 0 {
		http.Error(w, "demand must request at least one vCPU and some memory", http.StatusBadRequest)
		return
	}

	results, err := s.conductor.Run(r.Context(), &spec)
	if err != nil {
		s.logger.Warn("Placement request finished with failures",
			zap.String("request_id", spec.RequestID),
			zap.Error(err),
		)
	}

	resp := placementResponse{RequestID: spec.RequestID}
	anyPlaced := false
	for _, res := range results {
		inst := instanceResponse{InstanceID: res.InstanceID}
		if res.Placement != nil {
			anyPlaced = true
			inst.HostID = res.Placement.HostID
			inst.Hostname = res.Placement.Hostname
			inst.Attempts = res.Placement.Attempts
			inst.Conflicts = res.Placement.Conflicts
		} else {
			inst.Failure = classifyFailure(res.Err)
		}
		resp.Instances = append(resp.Instances, inst)
	}

	status := http.StatusOK
	if !anyPlaced {
		// Nothing placed at all; pick the status from the first failure.
		status = http.StatusConflict
		if len(resp.Instances) > 0 && resp.Instances[0].Failure != nil &&
			resp.Instances[0].Failure.Code == reasonLedgerUnavailable {
			status = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode placement response", zap.Error(err))
	}
}

func classifyFailure(err error) *placementFailure {
	if err == nil {
		return &placementFailure{Code: reasonInternal, Message: "unknown failure"}
	}

	var retries *domain.MaxRetriesError
	switch {
	case errors.As(err, &retries):
		return &placementFailure{
			Code:       reasonMaxRetriesExceeded,
			Message:    retries.Error(),
			TriedHosts: retries.TriedHosts(),
		}
	case errors.Is(err, domain.ErrNoValidHost):
		return &placementFailure{Code: reasonNoValidHost, Message: err.Error()}
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return &placementFailure{Code: reasonLedgerUnavailable, Message: err.Error()}
	default:
		return &placementFailure{Code: reasonInternal, Message: err.Error()}
	}
}
