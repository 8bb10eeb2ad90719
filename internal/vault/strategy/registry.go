package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
)

// Record is the registry's view of an adapter.
type Record struct {
	ID             AdapterID `json:"id" db:"id"`
	Identity       string    `json:"identity" db:"identity"`
	Label          string    `json:"label" db:"label"`
	Active         bool      `json:"active" db:"active"`
	Healthy        bool      `json:"healthy" db:"healthy"`
	ReportedAssets uint64    `json:"reported_assets" db:"reported_assets"`
	Allocated      uint64    `json:"allocated" db:"allocated"`
	YieldRate      float64   `json:"yield_rate" db:"yield_rate"`
	RegisteredAt   time.Time `json:"registered_at" db:"registered_at"`
	LastCheckedAt  time.Time `json:"last_checked_at" db:"last_checked_at"`
}

// entry pairs a record with its live adapter. adapter is nil for records
// loaded from storage until the adapter is registered again.
type entry struct {
	record  Record
	adapter Adapter
}

// Registry tracks adapters and the single active adapter.
type Registry struct {
	mu         sync.RWMutex
	entries    map[AdapterID]*entry
	byIdentity map[string]AdapterID
	active     AdapterID
	nextID     AdapterID
	// removed holds ids dropped since the last TakeRemoved.
	removed []AdapterID
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries:    make(map[AdapterID]*entry),
		byIdentity: make(map[string]AdapterID),
		nextID:     1,
		now:        now,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Register adds an adapter and returns its id. A persisted record with the
// same identity that has no live adapter yet is re-bound instead.
func (r *Registry) Register(ctx context.Context, a Adapter, label string) (AdapterID, error) {
	const op = "register"
	if a == nil {
		return NoAdapter, errors.Internal(op, "adapter is nil", nil)
	}
	identity := strings.TrimSpace(a.Identity())
	if identity == "" {
		return NoAdapter, errors.Internal(op, "adapter identity is required", nil)
	}
	healthy := Healthy(ctx, a)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byIdentity[identity]; ok {
		e := r.entries[id]
		if e.adapter != nil {
			return NoAdapter, errors.AlreadyRegistered(op, identity)
		}
		e.adapter = a
		e.record.Healthy = healthy
		e.record.LastCheckedAt = now
		if label != "" {
			e.record.Label = label
		}
		return id, nil
	}

	id := r.nextID
	r.nextID++
	if label == "" {
		label = identity
	}
	r.entries[id] = &entry{
		adapter: a,
		record: Record{
			ID:            id,
			Identity:      identity,
			Label:         label,
			Healthy:       healthy,
			RegisteredAt:  now,
			LastCheckedAt: now,
		},
	}
	r.byIdentity[identity] = id
	return id, nil
}

// SetActive makes id the active adapter. The target must be bound and healthy.
func (r *Registry) SetActive(ctx context.Context, id AdapterID) error {
	const op = "setActive"
	a, err := r.Adapter(id)
	if err != nil {
		return err
	}
	healthy := Healthy(ctx, a)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.AdapterNotFound(op, uint32(id))
	}
	e.record.Healthy = healthy
	e.record.LastCheckedAt = now
	if !healthy {
		return errors.AdapterNotHealthy(op, uint32(id), nil)
	}
	if cur, ok := r.entries[r.active]; ok {
		cur.record.Active = false
	}
	e.record.Active = true
	r.active = id
	return nil
}

// Deactivate clears the active adapter. The adapter must hold no vault funds.
func (r *Registry) Deactivate() error {
	const op = "deactivate"
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[r.active]
	if !ok {
		return nil
	}
	if e.record.Allocated > 0 {
		return errors.InvalidTransition(op, fmt.Errorf("%s still holds %d", e.record.ID, e.record.Allocated))
	}
	e.record.Active = false
	r.active = NoAdapter
	return nil
}

// Remove drops an inactive adapter that holds no vault funds.
func (r *Registry) Remove(id AdapterID) error {
	const op = "remove"
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.AdapterNotFound(op, uint32(id))
	}
	if id == r.active {
		return errors.InvalidTransition(op, fmt.Errorf("%s is active", id))
	}
	if e.record.Allocated > 0 {
		return errors.InvalidTransition(op, fmt.Errorf("%s still holds %d", id, e.record.Allocated))
	}
	delete(r.entries, id)
	delete(r.byIdentity, e.record.Identity)
	r.removed = append(r.removed, id)
	return nil
}

// TakeRemoved returns the ids removed since the previous call.
func (r *Registry) TakeRemoved() []AdapterID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.removed
	r.removed = nil
	return out
}

// Reserve keeps id from being handed out again, so ids that only survive in
// the decision log are never reused.
func (r *Registry) Reserve(id AdapterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id >= r.nextID {
		r.nextID = id + 1
	}
}

// =============================================================================
// Lookups
// =============================================================================

// Adapter returns the live adapter for id.
func (r *Registry) Adapter(id AdapterID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.adapter == nil {
		return nil, errors.AdapterNotFound("adapter", uint32(id))
	}
	return e.adapter, nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id AdapterID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Active returns the active adapter id, or NoAdapter.
func (r *Registry) Active() AdapterID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// List returns all records ordered by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalAllocated sums the book value across adapters.
func (r *Registry) TotalAllocated() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, e := range r.entries {
		total += e.record.Allocated
	}
	return total
}

// =============================================================================
// Book keeping
// =============================================================================

// AddAllocated increases the book value placed in id.
func (r *Registry) AddAllocated(id AdapterID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return errors.AdapterNotFound("place", uint32(id))
	}
	next := e.record.Allocated + amount
	if next < e.record.Allocated {
		return errors.Overflow("place")
	}
	e.record.Allocated = next
	return nil
}

// ReduceAllocated lowers the book value of id by up to amount and returns the
// reduction applied. Returns beyond book value are yield, not principal.
func (r *Registry) ReduceAllocated(id AdapterID, amount uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, errors.AdapterNotFound("pull", uint32(id))
	}
	if amount > e.record.Allocated {
		amount = e.record.Allocated
	}
	e.record.Allocated -= amount
	return amount, nil
}

// UpdateCache stores the latest probe results for id.
func (r *Registry) UpdateCache(id AdapterID, reported uint64, healthy bool, rate float64) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.record.ReportedAssets = reported
		e.record.Healthy = healthy
		e.record.YieldRate = rate
		e.record.LastCheckedAt = now
	}
}

// Probe queries one adapter for health, reported assets and yield rate, and
// caches the result. It takes no lock while the adapter is being called.
func (r *Registry) Probe(ctx context.Context, id AdapterID) (Record, error) {
	a, err := r.Adapter(id)
	if err != nil {
		return Record{}, err
	}
	healthy := Healthy(ctx, a)
	reported, rerr := a.ReportedAssets(ctx)
	rate, yerr := a.EstimatedYieldRate(ctx)

	prev, _ := r.Get(id)
	if rerr != nil {
		reported = prev.ReportedAssets
	}
	if yerr != nil {
		rate = prev.YieldRate
	}
	r.UpdateCache(id, reported, healthy && rerr == nil, rate)

	rec, _ := r.Get(id)
	if rerr != nil {
		return rec, fmt.Errorf("reported assets for %s: %w", id, rerr)
	}
	return rec, nil
}

// Restore loads persisted records. Adapters must be registered again to be
// usable; until then the records are visible but unbound.
func (r *Registry) Restore(records []Record, active AdapterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[AdapterID]*entry, len(records))
	r.byIdentity = make(map[string]AdapterID, len(records))
	r.nextID = 1
	r.active = NoAdapter
	r.removed = nil
	for _, rec := range records {
		rec.Active = rec.ID == active
		r.entries[rec.ID] = &entry{record: rec}
		r.byIdentity[rec.Identity] = rec.ID
		if rec.ID >= r.nextID {
			r.nextID = rec.ID + 1
		}
	}
	if _, ok := r.entries[active]; ok {
		r.active = active
	}
}
