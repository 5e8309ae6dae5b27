// Package domain contains the placement data model and business logic errors.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common placement errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrNoValidHost is returned when the filter pipeline eliminated every
	// host. This is a normal outcome of scheduling, not an infrastructure
	// failure.
	ErrNoValidHost = errors.New("no valid host found")

	// ErrClaimConflict is returned when a conditional allocation write was
	// rejected because the host generation advanced concurrently.
	ErrClaimConflict = errors.New("claim conflict: host generation changed")

	// ErrInsufficientResources is returned when local provisional accounting
	// detects over-subscription before the ledger is even contacted.
	ErrInsufficientResources = errors.New("insufficient resources on host")

	// ErrBuildFailed is returned when the build collaborator reports failure
	// or times out.
	ErrBuildFailed = errors.New("instance build failed")

	// ErrMaxRetriesExceeded is returned when the placement retry budget is
	// exhausted.
	ErrMaxRetriesExceeded = errors.New("maximum scheduling attempts exceeded")

	// ErrLedgerUnavailable is returned when the resource ledger cannot be
	// reached after bounded retries.
	ErrLedgerUnavailable = errors.New("resource ledger unavailable")
)

// AttemptFailure records why one placement attempt against one host failed.
type AttemptFailure struct {
	HostID   string
	Hostname string
	Reason   string
}

func (f AttemptFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Hostname, f.Reason)
}

// MaxRetriesError is returned when every attempted host failed. It carries
// the per-host failure reasons for diagnosis.
type MaxRetriesError struct {
	Attempts []AttemptFailure
}

func (e *MaxRetriesError) Error() string {
	reasons := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		reasons[i] = a.String()
	}
	return fmt.Sprintf("%s after %d attempts: [%s]",
		ErrMaxRetriesExceeded.Error(), len(e.Attempts), strings.Join(reasons, "; "))
}

func (e *MaxRetriesError) Unwrap() error { return ErrMaxRetriesExceeded }

// TriedHosts returns the IDs of the hosts that were attempted, in order.
func (e *MaxRetriesError) TriedHosts() []string {
	hosts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		hosts[i] = a.HostID
	}
	return hosts
}

// NoValidHostError is returned when scheduling found no feasible host. The
// reason describes the last pipeline stage that emptied the set.
type NoValidHostError struct {
	Reason string
}

func (e *NoValidHostError) Error() string {
	if e.Reason == "" {
		return ErrNoValidHost.Error()
	}
	return fmt.Sprintf("%s: %s", ErrNoValidHost.Error(), e.Reason)
}

func (e *NoValidHostError) Unwrap() error { return ErrNoValidHost }
