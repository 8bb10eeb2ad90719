// Package allocation moves pooled capital between the ledger's idle balance
// and strategy adapters. It keeps the invariant
//
//	TotalAssets == IdleAssets + sum(adapter book value)
//
// by updating the ledger and registry before each adapter call and undoing
// the update when the call fails.
package allocation

import (
	"context"

	"github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault/ledger"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// Leg is one movement between an adapter and the idle balance.
type Leg struct {
	Adapter strategy.AdapterID `json:"adapter"`
	Amount  uint64             `json:"amount"`
}

// Result describes a reallocation. Degraded is set when the second leg
// failed and the pulled funds were parked idle.
type Result struct {
	From       strategy.AdapterID `json:"from"`
	To         strategy.AdapterID `json:"to"`
	Requested  uint64             `json:"requested"`
	Pulled     uint64             `json:"pulled"`
	Placed     uint64             `json:"placed"`
	ParkedIdle uint64             `json:"parked_idle"`
	Degraded   bool               `json:"degraded"`
}

// Allocator executes fund movements.
type Allocator struct {
	ledger   *ledger.Ledger
	registry *strategy.Registry
}

// New creates an allocator over l and r.
func New(l *ledger.Ledger, r *strategy.Registry) *Allocator {
	return &Allocator{ledger: l, registry: r}
}

// =============================================================================
// Single legs
// =============================================================================

// Place moves amount from idle into id.
func (a *Allocator) Place(ctx context.Context, id strategy.AdapterID, amount uint64) error {
	const op = "place"
	if amount == 0 {
		return nil
	}
	adapter, err := a.registry.Adapter(id)
	if err != nil {
		return err
	}
	if err := a.ledger.ReleaseIdle(amount); err != nil {
		return err
	}
	if err := a.registry.AddAllocated(id, amount); err != nil {
		_ = a.ledger.ReturnIdle(amount)
		return err
	}
	if err := adapter.Place(ctx, amount); err != nil {
		_, _ = a.registry.ReduceAllocated(id, amount)
		_ = a.ledger.ReturnIdle(amount)
		return errors.AdapterNotHealthy(op, uint32(id), err)
	}
	return nil
}

// Pull asks id for up to amount and credits whatever comes back to idle.
// A short return is not an error.
func (a *Allocator) Pull(ctx context.Context, id strategy.AdapterID, amount uint64) (uint64, error) {
	const op = "pull"
	if amount == 0 {
		return 0, nil
	}
	adapter, err := a.registry.Adapter(id)
	if err != nil {
		return 0, err
	}
	got, err := adapter.Pull(ctx, amount)
	if err != nil {
		return 0, errors.AdapterNotHealthy(op, uint32(id), err)
	}
	if err := a.settle(id, got); err != nil {
		return got, err
	}
	return got, nil
}

// Drain empties id with EmergencyDrain, ignoring its health. Book value the
// adapter could not return is written off.
func (a *Allocator) Drain(ctx context.Context, id strategy.AdapterID) (uint64, error) {
	const op = "emergencyDrain"
	adapter, err := a.registry.Adapter(id)
	if err != nil {
		return 0, err
	}
	got, err := adapter.EmergencyDrain(ctx)
	if err != nil {
		return 0, errors.AdapterNotHealthy(op, uint32(id), err)
	}
	if err := a.settle(id, got); err != nil {
		return got, err
	}
	rec, _ := a.registry.Get(id)
	if rec.Allocated > 0 {
		lost, err := a.registry.ReduceAllocated(id, rec.Allocated)
		if err != nil {
			return got, err
		}
		if err := a.ledger.RecognizeLoss(lost); err != nil {
			return got, err
		}
	}
	a.refresh(ctx, id)
	return got, nil
}

// settle books funds returned by id: principal first, the rest is yield.
func (a *Allocator) settle(id strategy.AdapterID, got uint64) error {
	if got == 0 {
		return nil
	}
	rec, ok := a.registry.Get(id)
	if !ok {
		return errors.AdapterNotFound("pull", uint32(id))
	}
	principal := min(got, rec.Allocated)
	if err := a.ledger.Settle(principal, got-principal); err != nil {
		return err
	}
	_, err := a.registry.ReduceAllocated(id, principal)
	return err
}

func (a *Allocator) refresh(ctx context.Context, id strategy.AdapterID) {
	if id == strategy.NoAdapter {
		return
	}
	_, _ = a.registry.Probe(ctx, id)
}

// =============================================================================
// Reallocation
// =============================================================================

// Validate checks that both endpoints of a move exist.
func (a *Allocator) Validate(from, to strategy.AdapterID) error {
	for _, id := range []strategy.AdapterID{from, to} {
		if id == strategy.NoAdapter {
			continue
		}
		if _, err := a.registry.Adapter(id); err != nil {
			return errors.AdapterNotFound("reallocate", uint32(id))
		}
	}
	return nil
}

// Reallocate moves amount from one adapter (or idle) to another. The
// destination must be healthy; the source may be unhealthy so funds can be
// evacuated from a failing adapter. If placing fails after the pull, the
// pulled funds stay idle, the result is marked degraded and the placement
// error is returned.
func (a *Allocator) Reallocate(ctx context.Context, from, to strategy.AdapterID, amount uint64) (Result, error) {
	const op = "reallocate"
	res := Result{From: from, To: to, Requested: amount}
	if from == to || amount == 0 {
		return res, nil
	}
	if err := a.Validate(from, to); err != nil {
		return res, err
	}
	if to != strategy.NoAdapter {
		dst, _ := a.registry.Adapter(to)
		if !strategy.Healthy(ctx, dst) {
			a.refresh(ctx, to)
			return res, errors.AdapterNotHealthy(op, uint32(to), nil)
		}
	}

	if from == strategy.NoAdapter {
		if idle := a.ledger.State().IdleAssets; idle < amount {
			return res, errors.InsufficientBalance(op, idle, amount)
		}
		res.Pulled = amount
	} else {
		got, err := a.Pull(ctx, from, amount)
		res.Pulled = got
		if err != nil {
			a.refresh(ctx, from)
			return res, err
		}
	}

	if to == strategy.NoAdapter || res.Pulled == 0 {
		res.ParkedIdle = res.Pulled
		a.refresh(ctx, from)
		return res, nil
	}

	if err := a.Place(ctx, to, res.Pulled); err != nil {
		res.ParkedIdle = res.Pulled
		res.Degraded = true
		a.refresh(ctx, from)
		a.refresh(ctx, to)
		return res, err
	}
	res.Placed = res.Pulled
	a.refresh(ctx, from)
	a.refresh(ctx, to)
	return res, nil
}

// =============================================================================
// Withdrawal sourcing
// =============================================================================

// EnsureIdle pulls from the active adapter, then from every other adapter
// holding book value, until the idle balance covers amount. Funds pulled
// before a shortfall stay idle. Adapters that fail are skipped.
func (a *Allocator) EnsureIdle(ctx context.Context, amount uint64) ([]Leg, error) {
	var legs []Leg
	for _, id := range a.sources() {
		idle := a.ledger.State().IdleAssets
		if idle >= amount {
			break
		}
		// A failing adapter is skipped; the next source may still cover it.
		got, _ := a.Pull(ctx, id, amount-idle)
		if got > 0 {
			legs = append(legs, Leg{Adapter: id, Amount: got})
		}
	}
	if idle := a.ledger.State().IdleAssets; idle < amount {
		return legs, errors.InsufficientBalance("withdraw", idle, amount)
	}
	return legs, nil
}

// EmergencyGather drains the active adapter unconditionally, then every
// other funded adapter while the idle balance is still short of amount.
func (a *Allocator) EmergencyGather(ctx context.Context, amount uint64) ([]Leg, error) {
	var legs []Leg
	active := a.registry.Active()
	for _, id := range a.sources() {
		if id != active && a.ledger.State().IdleAssets >= amount {
			break
		}
		got, err := a.Drain(ctx, id)
		if err != nil {
			continue
		}
		legs = append(legs, Leg{Adapter: id, Amount: got})
	}
	if idle := a.ledger.State().IdleAssets; idle < amount {
		return legs, errors.InsufficientBalance("emergencyWithdraw", idle, amount)
	}
	return legs, nil
}

// sources lists the active adapter first, then other funded adapters by id.
func (a *Allocator) sources() []strategy.AdapterID {
	active := a.registry.Active()
	var out []strategy.AdapterID
	if active != strategy.NoAdapter {
		out = append(out, active)
	}
	for _, rec := range a.registry.List() {
		if rec.ID != active && rec.Allocated > 0 {
			if _, err := a.registry.Adapter(rec.ID); err == nil {
				out = append(out, rec.ID)
			}
		}
	}
	return out
}
