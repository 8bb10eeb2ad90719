package vault

import (
	"fmt"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault/access"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/internal/vault/ledger"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// VaultState is the persisted vault-wide state.
type VaultState struct {
	TotalAssets   uint64             `json:"total_assets"`
	TotalShares   uint64             `json:"total_shares"`
	IdleAssets    uint64             `json:"idle_assets"`
	ActiveAdapter strategy.AdapterID `json:"active_adapter"`
	Paused        bool               `json:"paused"`
}

// Metrics is the vault overview returned by GetVaultMetrics.
type Metrics struct {
	TotalAssets     uint64             `json:"total_assets"`
	TotalShares     uint64             `json:"total_shares"`
	IdleAssets      uint64             `json:"idle_assets"`
	AllocatedAssets uint64             `json:"allocated_assets"`
	ReportedAssets  uint64             `json:"reported_assets"`
	SharePrice      float64            `json:"share_price"`
	ActiveAdapter   strategy.AdapterID `json:"active_adapter"`
	Status          access.Status      `json:"status"`
	DecisionCount   uint64             `json:"decision_count"`
	AccountCount    int                `json:"account_count"`
	Adapters        []strategy.Record  `json:"adapters"`
}

// UserAuditSummary is an account's position plus its activity history.
type UserAuditSummary struct {
	Account      ledger.Account         `json:"account"`
	Activity     ledger.ActivitySummary `json:"activity"`
	CurrentValue uint64                 `json:"current_value"`
}

// State returns the current vault state.
func (e *Engine) State() VaultState {
	st := e.ledger.State()
	return VaultState{
		TotalAssets:   st.TotalAssets,
		TotalShares:   st.TotalShares,
		IdleAssets:    st.IdleAssets,
		ActiveAdapter: e.registry.Active(),
		Paused:        e.access.Paused(),
	}
}

// GetVaultMetrics returns totals, adapter records and log size.
func (e *Engine) GetVaultMetrics() Metrics {
	st := e.ledger.State()
	adapters := e.registry.List()
	m := Metrics{
		TotalAssets:   st.TotalAssets,
		TotalShares:   st.TotalShares,
		IdleAssets:    st.IdleAssets,
		ActiveAdapter: e.registry.Active(),
		Status:        e.access.Status(),
		DecisionCount: e.log.Len(),
		AccountCount:  e.ledger.AccountCount(),
		Adapters:      adapters,
	}
	for _, rec := range adapters {
		m.AllocatedAssets += rec.Allocated
		m.ReportedAssets += rec.ReportedAssets
	}
	if st.TotalShares > 0 {
		m.SharePrice = float64(st.TotalAssets) / float64(st.TotalShares)
	}
	return m
}

// GetUserAuditSummary returns account's position and lifetime activity.
// Unknown accounts get an empty summary.
func (e *Engine) GetUserAuditSummary(account string) UserAuditSummary {
	out := UserAuditSummary{
		Account:  ledger.Account{ID: account},
		Activity: ledger.ActivitySummary{Account: account},
	}
	if acct, ok := e.ledger.Account(account); ok {
		out.Account = acct
		if acct.Shares > 0 {
			if v, err := e.ledger.PreviewRedeem(acct.Shares); err == nil {
				out.CurrentValue = v
			}
		}
	}
	if sum, ok := e.ledger.Summary(account); ok {
		out.Activity = sum
	}
	return out
}

// GetAIDecisions returns decisions with from <= seq < to and the count
// available in that window.
func (e *Engine) GetAIDecisions(from, to uint64) ([]audit.Decision, int, error) {
	return e.log.GetRange(from, to)
}

// DecisionsByType returns the newest decisions of type t.
func (e *Engine) DecisionsByType(t audit.DecisionType, limit int) []audit.Decision {
	return e.log.GetByType(t, limit)
}

// DecisionsByAdapter returns the newest decisions touching id.
func (e *Engine) DecisionsByAdapter(id strategy.AdapterID, limit int) []audit.Decision {
	return e.log.GetByAdapter(id, limit)
}

// DecisionsByTimeRange returns decisions in [start, end) in time order.
func (e *Engine) DecisionsByTimeRange(start, end time.Time, limit int) ([]audit.Decision, error) {
	return e.log.GetByTimeRange(start, end, limit)
}

// VerifyDecision re-checks the integrity digest of seq.
func (e *Engine) VerifyDecision(seq uint64) (bool, error) {
	return e.log.VerifyIntegrity(seq)
}

// AttachDecisionReference records an external receipt against seq.
func (e *Engine) AttachDecisionReference(seq uint64, ref string) error {
	return e.log.AttachReference(seq, ref)
}

// DecisionCount returns the log length.
func (e *Engine) DecisionCount() uint64 {
	return e.log.Len()
}

// PageCap returns the decision page cap.
func (e *Engine) PageCap() int {
	return e.log.PageCap()
}

// Adapters returns the registry records.
func (e *Engine) Adapters() []strategy.Record {
	return e.registry.List()
}

// Access returns the current access snapshot.
func (e *Engine) Access() access.Snapshot {
	return e.access.Snapshot()
}

// CheckInvariants verifies share conservation and that every asset unit is
// either idle or booked at an adapter.
func (e *Engine) CheckInvariants() error {
	if err := e.ledger.CheckInvariants(); err != nil {
		return err
	}
	st := e.ledger.State()
	allocated := e.registry.TotalAllocated()
	if st.TotalAssets != st.IdleAssets+allocated {
		return errors.Internal("checkInvariants",
			fmt.Sprintf("total assets %d != idle %d + allocated %d", st.TotalAssets, st.IdleAssets, allocated), nil)
	}
	return nil
}

// =============================================================================
// Persistence
// =============================================================================

// Changes is everything modified since the previous TakeChanges call.
type Changes struct {
	State     VaultState
	Access    access.Snapshot
	Accounts  []ledger.Account
	Summaries []ledger.ActivitySummary
	Adapters  []strategy.Record
	Decisions []audit.Decision

	// RemovedAccounts were rolled back out of existence; stores delete them
	// together with their summaries.
	RemovedAccounts []string
	RemovedAdapters []strategy.AdapterID
}

// Empty reports whether nothing besides the singleton state changed.
func (c Changes) Empty() bool {
	return len(c.Accounts) == 0 && len(c.Summaries) == 0 && len(c.Decisions) == 0 &&
		len(c.RemovedAccounts) == 0 && len(c.RemovedAdapters) == 0
}

// TakeChanges collects dirty accounts, all adapter records and decisions
// appended since the last call.
func (e *Engine) TakeChanges() Changes {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	accounts, summaries, removedAccounts := e.ledger.TakeDirty()
	decisions := e.log.Since(e.persisted)
	e.persisted += uint64(len(decisions))
	return Changes{
		State:           e.State(),
		Access:          e.access.Snapshot(),
		Accounts:        accounts,
		Summaries:       summaries,
		Adapters:        e.registry.List(),
		Decisions:       decisions,
		RemovedAccounts: removedAccounts,
		RemovedAdapters: e.registry.TakeRemoved(),
	}
}

// Snapshot is the full persisted vault used to hydrate an engine.
type Snapshot struct {
	State     VaultState
	Access    access.Snapshot
	Accounts  []ledger.Account
	Summaries []ledger.ActivitySummary
	Adapters  []strategy.Record
	Decisions []audit.Decision
}

// Restore hydrates an engine from storage. Adapters must be registered again
// afterwards; their records are re-bound by identity.
func (e *Engine) Restore(s Snapshot) error {
	leave, err := e.enter("restore")
	if err != nil {
		return err
	}
	defer leave()

	err = e.ledger.Load(ledger.State{
		TotalAssets: s.State.TotalAssets,
		TotalShares: s.State.TotalShares,
		IdleAssets:  s.State.IdleAssets,
	}, s.Accounts, s.Summaries)
	if err != nil {
		return err
	}
	if err := e.log.Restore(s.Decisions); err != nil {
		return err
	}
	e.registry.Restore(s.Adapters, s.State.ActiveAdapter)
	for _, d := range s.Decisions {
		e.registry.Reserve(d.FromAdapter)
		e.registry.Reserve(d.ToAdapter)
	}
	snap := s.Access
	if s.State.Paused {
		snap.Status = access.StatusPaused
	}
	e.access.Restore(snap)

	e.persistMu.Lock()
	e.persisted = e.log.Len()
	e.persistMu.Unlock()
	return e.CheckInvariants()
}
