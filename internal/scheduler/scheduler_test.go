package scheduler

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/hoststate"
	"github.com/limiquantix/fabric/internal/ledger/memory"
)

// testHost builds a host with the given free capacity and VM count.
func testHost(id string, freeCPU, freeMemMB, freeDiskGB int64, vmCount int) *domain.HostState {
	return &domain.HostState{
		ID:       id,
		Hostname: id,
		Inventories: map[domain.ResourceClass]domain.Inventory{
			domain.ResourceVCPU:     {Total: 64, Used: 64 - freeCPU},
			domain.ResourceMemoryMB: {Total: 131072, Used: 131072 - freeMemMB},
			domain.ResourceDiskGB:   {Total: 4096, Used: 4096 - freeDiskGB},
		},
		VMCount: vmCount,
	}
}

// newTestScheduler seeds an in-memory ledger with the hosts and returns a
// scheduler reading from a freshly refreshed cache.
func newTestScheduler(t *testing.T, cfg Config, hosts ...*domain.HostState) *Scheduler {
	t.Helper()

	lgr := memory.NewLedger()
	for _, h := range hosts {
		lgr.SetProvider(h)
	}

	logger := zap.NewNop()
	cache := hoststate.New(lgr, hoststate.Config{}, logger)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("cache refresh failed: %v", err)
	}

	sched, err := New(cache, lgr, cfg, logger)
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	return sched
}

func TestScheduler_Schedule_PrefersLeastLoadedHost(t *testing.T) {
	// host1 cannot fit the memory demand; host3 carries less load than
	// host2, so the expected order is [host3, host2].
	host1 := testHost("host1", 32, 1024, 2048, 2)
	host2 := testHost("host2", 32, 65536, 2048, 8)
	host3 := testHost("host3", 32, 65536, 2048, 1)

	sched := newTestScheduler(t, DefaultConfig(), host1, host2, host3)

	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 4, MemoryMB: 8192, DiskGB: 40},
	}

	candidates, err := sched.Schedule(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Host.ID != "host3" {
		t.Errorf("Expected host3 first, got %s", candidates[0].Host.ID)
	}
	if candidates[1].Host.ID != "host2" {
		t.Errorf("Expected host2 second, got %s", candidates[1].Host.ID)
	}
}

func TestScheduler_Schedule_AffinityRestrictsToGroupHosts(t *testing.T) {
	host1 := testHost("host1", 32, 65536, 2048, 0)
	host2 := testHost("host2", 8, 16384, 512, 12)
	host3 := testHost("host3", 32, 65536, 2048, 0)

	sched := newTestScheduler(t, DefaultConfig(), host1, host2, host3)

	// The group already has an instance on host2; affinity must pin the
	// result there regardless of host2's worse scores.
	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 2, MemoryMB: 4096, DiskGB: 20},
		Group: &domain.GroupRequest{
			Name:   "db-cluster",
			Policy: domain.GroupPolicyAffinity,
			Hosts:  []string{"host2"},
		},
	}

	candidates, err := sched.Schedule(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Expected exactly 1 candidate, got %d", len(candidates))
	}
	if candidates[0].Host.ID != "host2" {
		t.Errorf("Expected host2, got %s", candidates[0].Host.ID)
	}
}

func TestScheduler_Schedule_AntiAffinityForbidsGroupHosts(t *testing.T) {
	host1 := testHost("host1", 32, 65536, 2048, 0)
	host2 := testHost("host2", 32, 65536, 2048, 0)

	sched := newTestScheduler(t, DefaultConfig(), host1, host2)

	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 2, MemoryMB: 4096, DiskGB: 20},
		Group: &domain.GroupRequest{
			Name:   "web",
			Policy: domain.GroupPolicyAntiAffinity,
			Hosts:  []string{"host1"},
		},
	}

	candidates, err := sched.Schedule(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	for _, c := range candidates {
		if c.Host.ID == "host1" {
			t.Errorf("Anti-affinity host host1 must not be a candidate")
		}
	}
}

func TestScheduler_Schedule_NoValidHost(t *testing.T) {
	host1 := testHost("host1", 2, 2048, 100, 0)

	sched := newTestScheduler(t, DefaultConfig(), host1)

	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 64, MemoryMB: 262144, DiskGB: 20},
	}

	_, err := sched.Schedule(context.Background(), spec, nil)
	if err == nil {
		t.Fatal("Expected no-valid-host error")
	}
	if !errors.Is(err, domain.ErrNoValidHost) {
		t.Fatalf("Expected no-valid-host, got %v", err)
	}
}

func TestScheduler_Schedule_ExcludedHostNeverReturned(t *testing.T) {
	host1 := testHost("host1", 32, 65536, 2048, 0)
	host2 := testHost("host2", 32, 65536, 2048, 0)

	sched := newTestScheduler(t, DefaultConfig(), host1, host2)

	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 2, MemoryMB: 4096, DiskGB: 20},
	}
	excluded := map[string]struct{}{"host1": {}}

	candidates, err := sched.Schedule(context.Background(), spec, excluded)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	for _, c := range candidates {
		if c.Host.ID == "host1" {
			t.Errorf("Excluded host1 must not appear in candidates")
		}
	}
}

func TestScheduler_Schedule_DeterministicOrdering(t *testing.T) {
	// Identical hosts: ordering must fall back to host ID and stay stable
	// across runs.
	hosts := []*domain.HostState{
		testHost("host-c", 16, 32768, 1024, 3),
		testHost("host-a", 16, 32768, 1024, 3),
		testHost("host-b", 16, 32768, 1024, 3),
	}

	sched := newTestScheduler(t, DefaultConfig(), hosts...)

	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 2, MemoryMB: 4096, DiskGB: 20},
	}

	first, err := sched.Schedule(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	second, err := sched.Schedule(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("Candidate counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Host.ID != second[i].Host.ID {
			t.Errorf("Ordering differs at %d: %s vs %s", i, first[i].Host.ID, second[i].Host.ID)
		}
	}
	if first[0].Host.ID != "host-a" {
		t.Errorf("Expected host-a first on the ID tiebreak, got %s", first[0].Host.ID)
	}
}

func TestScheduler_SelectDestinations_BatchSpreadsOverProvisionalState(t *testing.T) {
	// Each host fits exactly one instance; a batch of two must not pick the
	// same host twice within the pass.
	host1 := testHost("host1", 4, 8192, 100, 0)
	host2 := testHost("host2", 4, 8192, 100, 0)

	sched := newTestScheduler(t, DefaultConfig(), host1, host2)

	spec := &domain.RequestSpec{
		NumInstances: 2,
		Demand:       domain.ResourceDemand{VCPUs: 4, MemoryMB: 8192, DiskGB: 50},
	}

	destinations, err := sched.SelectDestinations(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("SelectDestinations failed: %v", err)
	}
	if len(destinations) != 2 {
		t.Fatalf("Expected 2 destination lists, got %d", len(destinations))
	}

	first := destinations[0][0].Host.ID
	second := destinations[1][0].Host.ID
	if first == second {
		t.Errorf("Batch over-subscribed host %s within one pass", first)
	}
}

func TestScheduler_SelectDestinations_BatchExhaustionIsNoValidHost(t *testing.T) {
	host1 := testHost("host1", 4, 8192, 100, 0)

	sched := newTestScheduler(t, DefaultConfig(), host1)

	spec := &domain.RequestSpec{
		NumInstances: 2,
		Demand:       domain.ResourceDemand{VCPUs: 4, MemoryMB: 8192, DiskGB: 50},
	}

	_, err := sched.SelectDestinations(context.Background(), spec, nil)
	if err == nil {
		t.Fatal("Expected no-valid-host error for the second instance")
	}
}

func TestFilterPipeline_SubsetInvariance(t *testing.T) {
	// Filtering a superset then restricting to the subset must equal
	// filtering the subset directly: filters depend only on (request, host).
	cfg := DefaultConfig()
	filters, err := buildFilters(cfg)
	if err != nil {
		t.Fatalf("buildFilters failed: %v", err)
	}

	spec := &domain.RequestSpec{
		Demand:         domain.ResourceDemand{VCPUs: 8, MemoryMB: 16384, DiskGB: 100},
		RequiredTraits: []string{"HW_CPU_X86_AVX2"},
	}

	h1 := testHost("h1", 16, 32768, 512, 1)
	h1.Traits = []string{"HW_CPU_X86_AVX2"}
	h2 := testHost("h2", 4, 32768, 512, 1) // fails capacity
	h3 := testHost("h3", 16, 32768, 512, 1) // fails traits

	full := []*domain.HostState{h1, h2, h3}
	subset := []*domain.HostState{h1, h2}

	pass := func(hosts []*domain.HostState) map[string]bool {
		result := make(map[string]bool)
		for _, host := range hosts {
			ok := true
			for _, f := range filters {
				if !f.Pass(spec, host) {
					ok = false
					break
				}
			}
			result[host.ID] = ok
		}
		return result
	}

	fromFull := pass(full)
	fromSubset := pass(subset)
	for _, host := range subset {
		if fromFull[host.ID] != fromSubset[host.ID] {
			t.Errorf("Filter verdict for %s depends on the candidate set", host.ID)
		}
	}
}

func TestNUMADeviceFilter_TopologyAndDeviceFit(t *testing.T) {
	filter := &NUMADeviceFilter{}

	host := testHost("numa-host", 32, 65536, 1024, 0)
	host.NUMACells = []domain.NUMACell{
		{ID: 0, CPUs: 16, MemoryMB: 32768},
		{ID: 1, CPUs: 16, MemoryMB: 32768, CPUsUsed: 14},
	}
	host.PCIPools = []domain.PCIPool{
		{VendorID: "10de", ProductID: "1eb8", Total: 2, Used: 1},
	}

	fits := &domain.RequestSpec{
		NUMA: &domain.NUMATopologyRequest{Cells: 1, CPUsPerCell: 8, MemoryMBPerCell: 8192},
		PCI:  []domain.PCIRequest{{Count: 1, VendorID: "10de", ProductID: "1eb8"}},
	}
	if !filter.Pass(fits, host) {
		t.Error("Expected fitting NUMA/PCI request to pass")
	}

	tooManyCells := &domain.RequestSpec{
		NUMA: &domain.NUMATopologyRequest{Cells: 2, CPUsPerCell: 8, MemoryMBPerCell: 8192},
	}
	if filter.Pass(tooManyCells, host) {
		t.Error("Expected two-cell request to fail with one usable cell")
	}

	tooManyDevices := &domain.RequestSpec{
		PCI: []domain.PCIRequest{{Count: 2, VendorID: "10de", ProductID: "1eb8"}},
	}
	if filter.Pass(tooManyDevices, host) {
		t.Error("Expected device request beyond pool availability to fail")
	}
}

func TestWeighHosts_UniformScoresUseMidpoint(t *testing.T) {
	// When every host scores the same, normalization must be neutral rather
	// than zeroing the weigher out.
	cfg := DefaultConfig()
	weighers, multipliers := buildWeighers(cfg)

	spec := &domain.RequestSpec{
		Demand: domain.ResourceDemand{VCPUs: 2, MemoryMB: 4096, DiskGB: 20},
	}
	hosts := []*domain.HostState{
		testHost("a", 16, 32768, 512, 2),
		testHost("b", 16, 32768, 512, 2),
	}

	candidates := weighHosts(spec, hosts, weighers, multipliers)
	if candidates[0].Weight != candidates[1].Weight {
		t.Errorf("Identical hosts got different weights: %f vs %f",
			candidates[0].Weight, candidates[1].Weight)
	}
}

func TestBuildWeighers_StrategySelectsVMCountSign(t *testing.T) {
	spread := DefaultConfig()
	spread.PlacementStrategy = "spread"
	_, multipliers := buildWeighers(spread)
	if multipliers[WeigherVMCount] >= 0 {
		t.Errorf("spread strategy should weigh vm_count negatively, got %f", multipliers[WeigherVMCount])
	}

	pack := DefaultConfig()
	pack.PlacementStrategy = "pack"
	_, multipliers = buildWeighers(pack)
	if multipliers[WeigherVMCount] <= 0 {
		t.Errorf("pack strategy should weigh vm_count positively, got %f", multipliers[WeigherVMCount])
	}
}
