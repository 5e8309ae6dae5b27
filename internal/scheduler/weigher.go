package scheduler

import (
	"sort"

	"github.com/samber/lo"

	"github.com/limiquantix/fabric/internal/domain"
)

// Weigher scores one (request, host) pair. Raw scores have no fixed range;
// the pipeline min-max normalizes them over the current candidate set before
// combining, so a single outlier cannot zero out the rest.
type Weigher interface {
	Name() string
	Score(spec *domain.RequestSpec, host *domain.HostState) float64
}

// Built-in weigher names, used as multiplier keys in configuration.
const (
	WeigherFreeRAM   = "free_ram"
	WeigherFreeCPU   = "free_cpu"
	WeigherFreeDisk  = "free_disk"
	WeigherVMCount   = "vm_count"
	WeigherPreferred = "preferred_host"
)

// buildWeighers assembles the built-in weighers and resolves their
// multipliers. The placement strategy picks the vm_count sign unless the
// multiplier was set explicitly: spread prefers emptier hosts, pack fuller
// ones.
func buildWeighers(cfg Config) ([]Weigher, map[string]float64) {
	weighers := []Weigher{
		&FreeCapacityWeigher{name: WeigherFreeRAM, class: domain.ResourceMemoryMB, ratio: cfg.OvercommitMemory},
		&FreeCapacityWeigher{name: WeigherFreeCPU, class: domain.ResourceVCPU, ratio: cfg.OvercommitCPU},
		&FreeCapacityWeigher{name: WeigherFreeDisk, class: domain.ResourceDiskGB, ratio: cfg.OvercommitDisk},
		&VMCountWeigher{},
		&PreferredHostWeigher{},
	}

	multipliers := make(map[string]float64, len(weighers))
	for _, w := range weighers {
		if m, ok := cfg.WeigherMultipliers[w.Name()]; ok {
			multipliers[w.Name()] = m
		} else {
			multipliers[w.Name()] = 1.0
		}
	}
	if _, ok := cfg.WeigherMultipliers[WeigherVMCount]; !ok {
		if cfg.PlacementStrategy == "pack" {
			multipliers[WeigherVMCount] = 1.0
		} else {
			multipliers[WeigherVMCount] = -1.0
		}
	}
	return weighers, multipliers
}

// weighHosts produces the ordered candidate list: per-weigher min-max
// normalization, weighted sum, then descending score with host ID as the
// deterministic tiebreak.
func weighHosts(spec *domain.RequestSpec, hosts []*domain.HostState, weighers []Weigher, multipliers map[string]float64) []domain.Candidate {
	candidates := make([]domain.Candidate, len(hosts))
	for i, host := range hosts {
		candidates[i] = domain.Candidate{Host: host}
	}

	for _, weigher := range weighers {
		raw := make([]float64, len(hosts))
		for i, host := range hosts {
			raw[i] = weigher.Score(spec, host)
		}

		min := lo.Min(raw)
		max := lo.Max(raw)
		spread := max - min

		multiplier := multipliers[weigher.Name()]
		for i := range candidates {
			normalized := 0.5
			if spread > 0 {
				normalized = (raw[i] - min) / spread
			}
			candidates[i].Weight += multiplier * normalized
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Less(candidates[j])
	})
	return candidates
}

// FreeCapacityWeigher scores hosts by free capacity of one resource class.
// With a positive multiplier it spreads load onto the emptiest hosts.
type FreeCapacityWeigher struct {
	name  string
	class domain.ResourceClass
	ratio float64
}

func (w *FreeCapacityWeigher) Name() string { return w.name }

func (w *FreeCapacityWeigher) Score(spec *domain.RequestSpec, host *domain.HostState) float64 {
	inv, ok := host.Inventories[w.class]
	if !ok {
		return 0
	}
	return float64(inv.Free(w.ratio))
}

// VMCountWeigher scores hosts by how many instances they already run. The
// multiplier sign selects spread (negative) or pack (positive).
type VMCountWeigher struct{}

func (w *VMCountWeigher) Name() string { return WeigherVMCount }

func (w *VMCountWeigher) Score(spec *domain.RequestSpec, host *domain.HostState) float64 {
	return float64(host.VMCount)
}

// PreferredHostWeigher nudges placement toward the request's soft host
// preferences.
type PreferredHostWeigher struct{}

func (w *PreferredHostWeigher) Name() string { return WeigherPreferred }

func (w *PreferredHostWeigher) Score(spec *domain.RequestSpec, host *domain.HostState) float64 {
	for _, id := range spec.PreferredHosts {
		if host.ID == id || host.Hostname == id {
			return 1
		}
	}
	return 0
}
