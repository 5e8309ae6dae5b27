package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/limiquantix/fabric/internal/domain"
)

func seedHost(id string, gen int64) *domain.HostState {
	return &domain.HostState{
		ID:         id,
		Hostname:   id,
		Generation: gen,
		Inventories: map[domain.ResourceClass]domain.Inventory{
			domain.ResourceVCPU:     {Total: 32},
			domain.ResourceMemoryMB: {Total: 65536},
			domain.ResourceDiskGB:   {Total: 1024},
		},
	}
}

func demand() map[domain.ResourceClass]int64 {
	return map[domain.ResourceClass]int64{
		domain.ResourceVCPU:     4,
		domain.ResourceMemoryMB: 8192,
		domain.ResourceDiskGB:   40,
	}
}

func TestLedger_PutAllocations_AdvancesGeneration(t *testing.T) {
	lgr := NewLedger()
	lgr.SetProvider(seedHost("host1", 0))

	gen, err := lgr.PutAllocations(context.Background(), &domain.Allocation{
		ConsumerID:         "inst-1",
		HostID:             "host1",
		Resources:          demand(),
		ProviderGeneration: 0,
	})
	if err != nil {
		t.Fatalf("PutAllocations failed: %v", err)
	}
	if gen != 1 {
		t.Errorf("Expected generation 1, got %d", gen)
	}

	host, err := lgr.GetProvider(context.Background(), "host1")
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if host.Inventories[domain.ResourceVCPU].Used != 4 {
		t.Errorf("Expected 4 vCPUs used, got %d", host.Inventories[domain.ResourceVCPU].Used)
	}
}

func TestLedger_PutAllocations_StaleGenerationConflicts(t *testing.T) {
	lgr := NewLedger()
	lgr.SetProvider(seedHost("host1", 0))

	if _, err := lgr.PutAllocations(context.Background(), &domain.Allocation{
		ConsumerID: "inst-1", HostID: "host1", Resources: demand(), ProviderGeneration: 0,
	}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	_, err := lgr.PutAllocations(context.Background(), &domain.Allocation{
		ConsumerID: "inst-2", HostID: "host1", Resources: demand(), ProviderGeneration: 0,
	})
	if !errors.Is(err, domain.ErrClaimConflict) {
		t.Fatalf("Expected claim conflict, got %v", err)
	}
	if lgr.AllocationCount() != 1 {
		t.Errorf("Expected 1 allocation, got %d", lgr.AllocationCount())
	}
}

func TestLedger_ConcurrentClaims_ExactlyOneWins(t *testing.T) {
	lgr := NewLedger()
	lgr.SetProvider(seedHost("host1", 0))

	const writers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := lgr.PutAllocations(context.Background(), &domain.Allocation{
				ConsumerID:         fmt.Sprintf("inst-%d", n),
				HostID:             "host1",
				Resources:          demand(),
				ProviderGeneration: 0,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("Expected %d conflicts, got %d", writers-1, conflicts)
	}
}

func TestLedger_DeleteAllocations_RestoresCapacity(t *testing.T) {
	lgr := NewLedger()
	lgr.SetProvider(seedHost("host1", 0))

	if _, err := lgr.PutAllocations(context.Background(), &domain.Allocation{
		ConsumerID: "inst-1", HostID: "host1", Resources: demand(), ProviderGeneration: 0,
	}); err != nil {
		t.Fatalf("PutAllocations failed: %v", err)
	}
	if err := lgr.DeleteAllocations(context.Background(), "inst-1"); err != nil {
		t.Fatalf("DeleteAllocations failed: %v", err)
	}

	host, _ := lgr.GetProvider(context.Background(), "host1")
	if host.Inventories[domain.ResourceVCPU].Used != 0 {
		t.Errorf("Expected usage restored to 0, got %d", host.Inventories[domain.ResourceVCPU].Used)
	}
	// Deletion is also a write: the generation must advance so concurrent
	// claimers with stale state still conflict.
	if host.Generation != 2 {
		t.Errorf("Expected generation 2 after put+delete, got %d", host.Generation)
	}
	if lgr.AllocationCount() != 0 {
		t.Errorf("Expected no allocations, got %d", lgr.AllocationCount())
	}

	// Deleting an unknown consumer is not an error.
	if err := lgr.DeleteAllocations(context.Background(), "ghost"); err != nil {
		t.Errorf("Delete of unknown consumer failed: %v", err)
	}
}

func TestLedger_AllocationCandidates_FiltersByCapacityAndTraits(t *testing.T) {
	lgr := NewLedger()

	big := seedHost("big", 0)
	big.Traits = []string{"HW_CPU_X86_AVX2"}
	lgr.SetProvider(big)

	small := seedHost("small", 0)
	inv := small.Inventories[domain.ResourceVCPU]
	inv.Used = inv.Total - 1
	small.Inventories[domain.ResourceVCPU] = inv
	lgr.SetProvider(small)

	candidates, err := lgr.AllocationCandidates(context.Background(), demand(), []string{"HW_CPU_X86_AVX2"})
	if err != nil {
		t.Fatalf("AllocationCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "big" {
		t.Fatalf("Expected only 'big' to qualify, got %+v", candidates)
	}
}
