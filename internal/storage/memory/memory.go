package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/yield_vault/internal/storage"
	"github.com/R3E-Network/yield_vault/internal/vault"
	"github.com/R3E-Network/yield_vault/internal/vault/access"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/internal/vault/ledger"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu        sync.RWMutex
	saved     bool
	state     vault.VaultState
	access    access.Snapshot
	accounts  map[string]ledger.Account
	summaries map[string]ledger.ActivitySummary
	adapters  map[strategy.AdapterID]strategy.Record
	decisions []audit.Decision
	refs      map[uint64][]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]ledger.Account),
		summaries: make(map[string]ledger.ActivitySummary),
		adapters:  make(map[strategy.AdapterID]strategy.Record),
		refs:      make(map[uint64][]string),
	}
}

func (s *Store) LoadSnapshot(_ context.Context) (vault.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.saved {
		return vault.Snapshot{}, storage.ErrNotFound
	}

	snap := vault.Snapshot{State: s.state, Access: s.access}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	for _, sum := range s.summaries {
		snap.Summaries = append(snap.Summaries, sum)
	}
	sort.Slice(snap.Summaries, func(i, j int) bool { return snap.Summaries[i].Account < snap.Summaries[j].Account })
	for _, rec := range s.adapters {
		snap.Adapters = append(snap.Adapters, rec)
	}
	sort.Slice(snap.Adapters, func(i, j int) bool { return snap.Adapters[i].ID < snap.Adapters[j].ID })

	snap.Decisions = make([]audit.Decision, len(s.decisions))
	for i, d := range s.decisions {
		if refs := s.refs[d.SequenceID]; len(refs) > 0 {
			d.References = append([]string(nil), refs...)
		}
		snap.Decisions[i] = d
	}
	return snap, nil
}

func (s *Store) SaveChanges(_ context.Context, changes vault.Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.decisions))
	for _, d := range changes.Decisions {
		if d.SequenceID < next {
			continue
		}
		if d.SequenceID != next {
			return fmt.Errorf("decision %d out of order, expected %d", d.SequenceID, next)
		}
		next++
	}

	s.saved = true
	s.state = changes.State
	s.access = changes.Access
	for _, a := range changes.Accounts {
		s.accounts[a.ID] = a
	}
	for _, sum := range changes.Summaries {
		s.summaries[sum.Account] = sum
	}
	for _, id := range changes.RemovedAccounts {
		delete(s.accounts, id)
		delete(s.summaries, id)
	}
	for _, rec := range changes.Adapters {
		s.adapters[rec.ID] = rec
	}
	for _, id := range changes.RemovedAdapters {
		delete(s.adapters, id)
	}
	for _, d := range changes.Decisions {
		if d.SequenceID < uint64(len(s.decisions)) {
			continue
		}
		refs := d.References
		d.References = nil
		s.decisions = append(s.decisions, d)
		for _, ref := range refs {
			s.attachLocked(d.SequenceID, ref)
		}
	}
	return nil
}

func (s *Store) AttachReference(_ context.Context, seq uint64, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq >= uint64(len(s.decisions)) {
		return fmt.Errorf("decision %d not persisted", seq)
	}
	s.attachLocked(seq, ref)
	return nil
}

func (s *Store) attachLocked(seq uint64, ref string) {
	for _, existing := range s.refs[seq] {
		if existing == ref {
			return
		}
	}
	s.refs[seq] = append(s.refs[seq], ref)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
