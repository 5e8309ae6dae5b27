package domain

// Allocation is the authoritative record of resources consumed by one
// instance on one host, as written to the resource ledger. The write is
// conditional on ProviderGeneration matching the ledger's current value for
// the host.
type Allocation struct {
	ConsumerID         string                  `json:"consumer_id"`
	HostID             string                  `json:"host_id"`
	Resources          map[ResourceClass]int64 `json:"resources"`
	ProviderGeneration int64                   `json:"provider_generation"`
}

// ClaimOutcome classifies the result of an attempted reservation.
type ClaimOutcome string

const (
	// ClaimOutcomeClaimed means the allocation was committed and the host
	// generation advanced.
	ClaimOutcomeClaimed ClaimOutcome = "claimed"
	// ClaimOutcomeConflict means the host generation changed concurrently;
	// the caller should retry against fresher state or another host.
	ClaimOutcomeConflict ClaimOutcome = "conflict"
	// ClaimOutcomeInsufficient means local accounting already shows the host
	// cannot hold the demand; the ledger was not contacted.
	ClaimOutcomeInsufficient ClaimOutcome = "insufficient"
)

// ClaimResult is the outcome of one claim attempt.
type ClaimResult struct {
	Outcome ClaimOutcome
	// Generation is the host's new generation after a successful claim.
	Generation int64
}

// Candidate pairs a host snapshot with its combined weight. Candidates are
// totally ordered by weight descending, host ID ascending on ties.
type Candidate struct {
	Host   *HostState
	Weight float64
}

// Less reports whether c sorts before other in candidate order.
func (c Candidate) Less(other Candidate) bool {
	if c.Weight != other.Weight {
		return c.Weight > other.Weight
	}
	return c.Host.ID < other.Host.ID
}
