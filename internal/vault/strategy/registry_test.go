package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
)

func testRegistry() *Registry {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewRegistry(func() time.Time { return ts })
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()

	a, err := r.Register(ctx, NewSimulatedAdapter("lend:usdc", 0.04), "Lending USDC")
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := r.Register(ctx, NewSimulatedAdapter("pool:usdc-gas", 0.07), "")
	if err != nil {
		t.Fatalf("register b: %v", err)
	}
	if a != 1 || b != 2 {
		t.Fatalf("ids = %d, %d", a, b)
	}
	rec, ok := r.Get(b)
	if !ok || rec.Label != "pool:usdc-gas" || !rec.Healthy {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	if _, err := r.Register(ctx, NewSimulatedAdapter("lend:usdc", 0), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Register(ctx, NewSimulatedAdapter("lend:usdc", 0), "")
	if !errors.Is(err, errors.ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want already registered", err)
	}
}

func TestSetActiveRequiresHealth(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	sick := NewSimulatedAdapter("sick", 0)
	sick.SetHealthy(false)
	id, _ := r.Register(ctx, sick, "")

	if err := r.SetActive(ctx, id); !errors.Is(err, errors.ErrAdapterNotHealthy) {
		t.Fatalf("err = %v, want adapter not healthy", err)
	}
	if err := r.SetActive(ctx, 99); !errors.Is(err, errors.ErrAdapterNotFound) {
		t.Fatalf("err = %v, want adapter not found", err)
	}
	if r.Active() != NoAdapter {
		t.Fatalf("active = %s", r.Active())
	}
}

func TestSetActiveSwitchesExclusively(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	a, _ := r.Register(ctx, NewSimulatedAdapter("a", 0), "")
	b, _ := r.Register(ctx, NewSimulatedAdapter("b", 0), "")

	if err := r.SetActive(ctx, a); err != nil {
		t.Fatalf("activate a: %v", err)
	}
	if err := r.SetActive(ctx, b); err != nil {
		t.Fatalf("activate b: %v", err)
	}
	active := 0
	for _, rec := range r.List() {
		if rec.Active {
			active++
			if rec.ID != b {
				t.Fatalf("wrong adapter active: %s", rec.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("%d active adapters, want 1", active)
	}
}

func TestPanickingHealthProbeIsUnhealthy(t *testing.T) {
	a := NewSimulatedAdapter("boom", 0)
	a.SetPanicOnHealth(true)
	if Healthy(context.Background(), a) {
		t.Fatal("panicking probe should report unhealthy")
	}
}

func TestDeactivateAndRemoveRequireDrain(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	id, _ := r.Register(ctx, NewSimulatedAdapter("a", 0), "")
	if err := r.SetActive(ctx, id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.AddAllocated(id, 10); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := r.Deactivate(); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("deactivate with funds: err = %v", err)
	}
	if err := r.Remove(id); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("remove active: err = %v", err)
	}

	reduced, err := r.ReduceAllocated(id, 25)
	if err != nil || reduced != 10 {
		t.Fatalf("reduce = %d, %v", reduced, err)
	}
	if err := r.Deactivate(); err != nil {
		t.Fatalf("deactivate drained: %v", err)
	}
	if err := r.Remove(id); err != nil {
		t.Fatalf("remove drained: %v", err)
	}
	if _, ok := r.Get(id); ok {
		t.Fatal("record should be gone")
	}
}

func TestRestoreRebindsByIdentity(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	r.Restore([]Record{
		{ID: 3, Identity: "lend:usdc", Label: "Lending", Allocated: 500},
		{ID: 7, Identity: "pool:gas", Label: "Pool"},
	}, 3)

	if _, err := r.Adapter(3); !errors.Is(err, errors.ErrAdapterNotFound) {
		t.Fatalf("unbound adapter lookup: err = %v", err)
	}
	id, err := r.Register(ctx, NewSimulatedAdapter("lend:usdc", 0), "")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if id != 3 {
		t.Fatalf("rebind id = %d, want 3", id)
	}
	rec, _ := r.Get(3)
	if !rec.Active || rec.Allocated != 500 || rec.Label != "Lending" {
		t.Fatalf("rebound record = %+v", rec)
	}
	fresh, _ := r.Register(ctx, NewSimulatedAdapter("new", 0), "")
	if fresh != 8 {
		t.Fatalf("next id = %d, want 8", fresh)
	}
}

func TestProbeCachesReportedAssets(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	a := NewSimulatedAdapter("a", 0.05)
	id, _ := r.Register(ctx, a, "")
	if err := a.Place(ctx, 100); err != nil {
		t.Fatalf("place: %v", err)
	}
	a.Accrue(7)

	rec, err := r.Probe(ctx, id)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if rec.ReportedAssets != 107 || rec.YieldRate != 0.05 || !rec.Healthy {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSimulatedPullRespectsLimit(t *testing.T) {
	ctx := context.Background()
	a := NewSimulatedAdapter("a", 0)
	_ = a.Place(ctx, 100)
	a.SetPullLimit(30)
	got, err := a.Pull(ctx, 50)
	if err != nil || got != 30 {
		t.Fatalf("pull = %d, %v", got, err)
	}
	drained, _ := a.EmergencyDrain(ctx)
	if drained != 70 || a.Balance() != 0 {
		t.Fatalf("drain = %d, balance = %d", drained, a.Balance())
	}
}

func TestTakeRemovedAndReserve(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	a, _ := r.Register(ctx, NewSimulatedAdapter("lend:usdc", 0), "")
	b, _ := r.Register(ctx, NewSimulatedAdapter("lend:old", 0), "")
	if err := r.Remove(b); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := r.TakeRemoved(); len(got) != 1 || got[0] != b {
		t.Fatalf("removed = %v, want [%d]", got, b)
	}
	if got := r.TakeRemoved(); len(got) != 0 {
		t.Fatalf("removed after take = %v", got)
	}

	rec, _ := r.Get(a)
	r.Restore([]Record{rec}, NoAdapter)
	r.Reserve(b)
	c, err := r.Register(ctx, NewSimulatedAdapter("pool:new", 0), "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if c != b+1 {
		t.Fatalf("id = %d, want %d", c, b+1)
	}
}
