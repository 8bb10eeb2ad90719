// Package ledger implements the vault share ledger: per-account share
// balances, vault totals, and the share/asset conversion rules.
//
// The ledger performs no external calls. Callers that move funds in and out of
// strategy adapters take a Checkpoint before mutating and Rollback if the
// external leg fails, so a failed operation leaves no trace.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
)

// Account is a depositor's position in the vault.
type Account struct {
	ID                 string    `json:"id" db:"id"`
	Shares             uint64    `json:"shares" db:"shares"`
	PrincipalDeposited uint64    `json:"principal_deposited" db:"principal_deposited"`
	FirstDepositAt     time.Time `json:"first_deposit_at" db:"first_deposit_at"`
	LastActivityAt     time.Time `json:"last_activity_at" db:"last_activity_at"`
}

// ActivitySummary aggregates an account's lifetime activity.
type ActivitySummary struct {
	Account                string    `json:"account" db:"account"`
	TotalDeposited         uint64    `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn         uint64    `json:"total_withdrawn" db:"total_withdrawn"`
	DepositCount           uint64    `json:"deposit_count" db:"deposit_count"`
	WithdrawCount          uint64    `json:"withdraw_count" db:"withdraw_count"`
	EmergencyWithdrawCount uint64    `json:"emergency_withdraw_count" db:"emergency_withdraw_count"`
	FirstActivityAt        time.Time `json:"first_activity_at" db:"first_activity_at"`
	LastActivityAt         time.Time `json:"last_activity_at" db:"last_activity_at"`
}

// State holds the vault-wide totals. IdleAssets is the part of TotalAssets
// held by the ledger rather than placed in an adapter.
type State struct {
	TotalAssets uint64 `json:"total_assets"`
	TotalShares uint64 `json:"total_shares"`
	IdleAssets  uint64 `json:"idle_assets"`
}

// Ledger tracks shares and totals. All methods are safe for concurrent use;
// the internal lock is only held for the duration of a single method.
type Ledger struct {
	mu        sync.RWMutex
	state     State
	accounts  map[string]*Account
	summaries map[string]*ActivitySummary
	dirty     map[string]struct{}
	now       func() time.Time
}

// New creates an empty ledger. A nil clock defaults to time.Now.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		accounts:  make(map[string]*Account),
		summaries: make(map[string]*ActivitySummary),
		dirty:     make(map[string]struct{}),
		now:       now,
	}
}

// =============================================================================
// Conversions
// =============================================================================

// PreviewDeposit returns the shares minted for amount at the current ratio.
// An empty vault (no shares or no assets) bootstraps at 1:1.
func (l *Ledger) PreviewDeposit(amount uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sharesFor("deposit", amount)
}

func (l *Ledger) sharesFor(op string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, errors.ZeroAmount(op)
	}
	if l.state.TotalShares == 0 || l.state.TotalAssets == 0 {
		return amount, nil
	}
	shares, err := mulDiv(op, amount, l.state.TotalShares, l.state.TotalAssets)
	if err != nil {
		return 0, err
	}
	if shares == 0 {
		return 0, &errors.VaultError{
			Code:    errors.CodeZeroAmount,
			Op:      op,
			Message: "deposit too small to mint a share",
		}
	}
	return shares, nil
}

// PreviewRedeem returns the asset amount owed for shares. Any positive share
// count redeems at least one unit; the result never exceeds TotalAssets.
func (l *Ledger) PreviewRedeem(shares uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assetsFor("withdraw", shares)
}

func (l *Ledger) assetsFor(op string, shares uint64) (uint64, error) {
	if shares == 0 {
		return 0, errors.ZeroAmount(op)
	}
	if shares > l.state.TotalShares {
		return 0, errors.InsufficientShares(op, l.state.TotalShares, shares)
	}
	amount, err := mulDiv(op, shares, l.state.TotalAssets, l.state.TotalShares)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		amount = 1
	}
	if amount > l.state.TotalAssets {
		return 0, errors.InsufficientBalance(op, l.state.TotalAssets, amount)
	}
	return amount, nil
}

// =============================================================================
// Mutations
// =============================================================================

// Mint credits amount to the vault and shares to account. The assets land in
// the idle balance; placing them is the caller's job.
func (l *Ledger) Mint(accountID string, amount, shares uint64) error {
	const op = "deposit"
	if amount == 0 || shares == 0 {
		return errors.ZeroAmount(op)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	totalAssets, err := addChecked(op, l.state.TotalAssets, amount)
	if err != nil {
		return err
	}
	totalShares, err := addChecked(op, l.state.TotalShares, shares)
	if err != nil {
		return err
	}
	idle, err := addChecked(op, l.state.IdleAssets, amount)
	if err != nil {
		return err
	}

	var held, principal, deposited uint64
	if acct, ok := l.accounts[accountID]; ok {
		held, principal = acct.Shares, acct.PrincipalDeposited
	}
	if sum, ok := l.summaries[accountID]; ok {
		deposited = sum.TotalDeposited
	}
	if held, err = addChecked(op, held, shares); err != nil {
		return err
	}
	if principal, err = addChecked(op, principal, amount); err != nil {
		return err
	}
	if deposited, err = addChecked(op, deposited, amount); err != nil {
		return err
	}

	now := l.now().UTC()
	acct := l.accountLocked(accountID, now)
	sum := l.summaryLocked(accountID, now)
	l.state.TotalAssets = totalAssets
	l.state.TotalShares = totalShares
	l.state.IdleAssets = idle
	acct.Shares = held
	acct.PrincipalDeposited = principal
	acct.LastActivityAt = now
	sum.TotalDeposited = deposited
	sum.DepositCount++
	sum.LastActivityAt = now
	l.dirty[accountID] = struct{}{}
	return nil
}

// Burn removes shares from account and pays amount out of the idle balance.
func (l *Ledger) Burn(accountID string, shares, amount uint64, emergency bool) error {
	op := "withdraw"
	if emergency {
		op = "emergencyWithdraw"
	}
	if shares == 0 {
		return errors.ZeroAmount(op)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[accountID]
	if !ok || acct.Shares < shares {
		var held uint64
		if ok {
			held = acct.Shares
		}
		return errors.InsufficientShares(op, held, shares)
	}
	if l.state.IdleAssets < amount {
		return errors.InsufficientBalance(op, l.state.IdleAssets, amount)
	}
	totalShares, err := subChecked(op, l.state.TotalShares, shares)
	if err != nil {
		return err
	}
	totalAssets, err := subChecked(op, l.state.TotalAssets, amount)
	if err != nil {
		return err
	}
	now := l.now().UTC()
	sum := l.summaryLocked(accountID, now)
	withdrawn, err := addChecked(op, sum.TotalWithdrawn, amount)
	if err != nil {
		return err
	}

	l.state.TotalShares = totalShares
	l.state.TotalAssets = totalAssets
	l.state.IdleAssets -= amount
	acct.Shares -= shares
	acct.LastActivityAt = now
	sum.TotalWithdrawn = withdrawn
	if emergency {
		sum.EmergencyWithdrawCount++
	} else {
		sum.WithdrawCount++
	}
	sum.LastActivityAt = now
	l.dirty[accountID] = struct{}{}
	return nil
}

// ReleaseIdle takes amount out of the idle balance ahead of placing it in an
// adapter. TotalAssets is unchanged.
func (l *Ledger) ReleaseIdle(amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IdleAssets < amount {
		return errors.InsufficientBalance("place", l.state.IdleAssets, amount)
	}
	l.state.IdleAssets -= amount
	return nil
}

// ReturnIdle credits amount pulled back from an adapter to the idle balance.
func (l *Ledger) ReturnIdle(amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idle, err := addChecked("pull", l.state.IdleAssets, amount)
	if err != nil {
		return err
	}
	if idle > l.state.TotalAssets {
		return errors.Internal("pull", "idle balance would exceed total assets", nil)
	}
	l.state.IdleAssets = idle
	return nil
}

// Settle credits principal returned by an adapter to the idle balance and
// books gain as realised yield. Nothing changes unless both apply.
func (l *Ledger) Settle(principal, gain uint64) error {
	const op = "settle"
	l.mu.Lock()
	defer l.mu.Unlock()
	total, err := addChecked(op, l.state.TotalAssets, gain)
	if err != nil {
		return err
	}
	idle, err := addChecked(op, l.state.IdleAssets, principal)
	if err != nil {
		return err
	}
	if idle, err = addChecked(op, idle, gain); err != nil {
		return err
	}
	if idle > total {
		return errors.Internal(op, "idle balance would exceed total assets", nil)
	}
	l.state.TotalAssets = total
	l.state.IdleAssets = idle
	return nil
}

// RecognizeLoss writes off booked value an adapter could not return.
func (l *Ledger) RecognizeLoss(amount uint64) error {
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	placed := l.state.TotalAssets - l.state.IdleAssets
	if amount > placed {
		return errors.InsufficientBalance("recognizeLoss", placed, amount)
	}
	l.state.TotalAssets -= amount
	return nil
}

func (l *Ledger) accountLocked(id string, now time.Time) *Account {
	acct, ok := l.accounts[id]
	if !ok {
		acct = &Account{ID: id, FirstDepositAt: now, LastActivityAt: now}
		l.accounts[id] = acct
	}
	return acct
}

func (l *Ledger) summaryLocked(id string, now time.Time) *ActivitySummary {
	sum, ok := l.summaries[id]
	if !ok {
		sum = &ActivitySummary{Account: id, FirstActivityAt: now, LastActivityAt: now}
		l.summaries[id] = sum
	}
	return sum
}

// =============================================================================
// Checkpoints
// =============================================================================

// Checkpoint captures the totals plus one account so a failed operation can
// be undone with Rollback.
type Checkpoint struct {
	state     State
	accountID string
	account   *Account
	summary   *ActivitySummary
}

// Checkpoint snapshots the vault totals and accountID's records. accountID
// may be empty when no account is touched.
func (l *Ledger) Checkpoint(accountID string) Checkpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := Checkpoint{state: l.state, accountID: accountID}
	if accountID == "" {
		return cp
	}
	if acct, ok := l.accounts[accountID]; ok {
		c := *acct
		cp.account = &c
	}
	if sum, ok := l.summaries[accountID]; ok {
		c := *sum
		cp.summary = &c
	}
	return cp
}

// Rollback restores the state captured by cp.
func (l *Ledger) Rollback(cp Checkpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = cp.state
	if cp.accountID == "" {
		return
	}
	if cp.account == nil {
		delete(l.accounts, cp.accountID)
	} else {
		c := *cp.account
		l.accounts[cp.accountID] = &c
	}
	if cp.summary == nil {
		delete(l.summaries, cp.accountID)
	} else {
		c := *cp.summary
		l.summaries[cp.accountID] = &c
	}
	// A checkpoint may have captured the intermediate record, so the restored
	// one has to be written again.
	l.dirty[cp.accountID] = struct{}{}
}

// =============================================================================
// Queries
// =============================================================================

// State returns the current totals.
func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Account returns a copy of the account record.
func (l *Ledger) Account(id string) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

// Summary returns a copy of the account's activity summary.
func (l *Ledger) Summary(id string) (ActivitySummary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum, ok := l.summaries[id]
	if !ok {
		return ActivitySummary{}, false
	}
	return *sum, true
}

// AccountCount returns the number of accounts ever created.
func (l *Ledger) AccountCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

// TakeDirty returns copies of every account touched since the previous call
// and clears the dirty set. Accounts that were touched but no longer exist
// (a rolled-back first deposit) are returned in removed.
func (l *Ledger) TakeDirty() (accounts []Account, summaries []ActivitySummary, removed []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.dirty))
	for id := range l.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	accounts = make([]Account, 0, len(ids))
	summaries = make([]ActivitySummary, 0, len(ids))
	for _, id := range ids {
		acct, ok := l.accounts[id]
		if !ok {
			removed = append(removed, id)
			continue
		}
		accounts = append(accounts, *acct)
		if sum, ok := l.summaries[id]; ok {
			summaries = append(summaries, *sum)
		}
	}
	l.dirty = make(map[string]struct{})
	return accounts, summaries, removed
}

// Load replaces the ledger contents with persisted records and verifies the
// result.
func (l *Ledger) Load(state State, accounts []Account, summaries []ActivitySummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	l.accounts = make(map[string]*Account, len(accounts))
	for i := range accounts {
		acct := accounts[i]
		l.accounts[acct.ID] = &acct
	}
	l.summaries = make(map[string]*ActivitySummary, len(summaries))
	for i := range summaries {
		sum := summaries[i]
		l.summaries[sum.Account] = &sum
	}
	l.dirty = make(map[string]struct{})
	return l.checkLocked()
}

// CheckInvariants verifies share conservation and that idle assets never
// exceed total assets.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkLocked()
}

func (l *Ledger) checkLocked() error {
	var sum uint64
	for _, acct := range l.accounts {
		next, err := addChecked("checkInvariants", sum, acct.Shares)
		if err != nil {
			return err
		}
		sum = next
	}
	if sum != l.state.TotalShares {
		return errors.Internal("checkInvariants", "share conservation violated", nil)
	}
	if l.state.IdleAssets > l.state.TotalAssets {
		return errors.Internal("checkInvariants", "idle assets exceed total assets", nil)
	}
	return nil
}
