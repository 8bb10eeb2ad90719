// Package vault composes the share ledger, strategy registry, allocator,
// decision log and access controller into the vault engine.
//
// The engine does not order concurrent callers. Mutating entry points hold a
// reentrancy flag for their whole duration and fail fast with a Reentrant
// error if another mutation is in flight, which is also what an adapter
// calling back into the vault would see. Callers that need queuing (the vault
// service) serialise mutations themselves. Read-only queries never wait on
// the flag.
package vault

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault/access"
	"github.com/R3E-Network/yield_vault/internal/vault/allocation"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/internal/vault/ledger"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// Config configures an Engine.
type Config struct {
	Owner     string
	Operators []string
	PageCap   int
	Now       func() time.Time
}

// Engine is the vault core.
type Engine struct {
	ledger   *ledger.Ledger
	registry *strategy.Registry
	alloc    *allocation.Allocator
	log      *audit.Log
	access   *access.Controller

	busy atomic.Bool

	persistMu sync.Mutex
	persisted uint64
}

// New creates an empty engine.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := ledger.New(now)
	r := strategy.NewRegistry(now)
	return &Engine{
		ledger:   l,
		registry: r,
		alloc:    allocation.New(l, r),
		log:      audit.NewLog(cfg.PageCap, now),
		access:   access.NewController(cfg.Owner, cfg.Operators, now),
	}
}

func (e *Engine) enter(op string) (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, errors.Reentrant(op)
	}
	return func() { e.busy.Store(false) }, nil
}

func (e *Engine) record(d audit.Decision) (audit.Decision, error) {
	return e.log.Append(d)
}

// =============================================================================
// Depositor operations
// =============================================================================

// DepositResult reports a successful deposit.
type DepositResult struct {
	Shares    uint64             `json:"shares"`
	Adapter   strategy.AdapterID `json:"adapter"`
	Decisions []audit.Decision   `json:"decisions"`
}

// Deposit credits amount to account, mints shares and places the funds in
// the active adapter. If the active adapter is unhealthy the funds stay idle.
// A failed placement undoes the whole deposit.
func (e *Engine) Deposit(ctx context.Context, account string, amount uint64) (DepositResult, error) {
	const op = "deposit"
	leave, err := e.enter(op)
	if err != nil {
		return DepositResult{}, err
	}
	defer leave()

	account = strings.TrimSpace(account)
	if account == "" {
		return DepositResult{}, errors.Unauthorized(op, account)
	}
	if err := e.access.RequireRunning(op); err != nil {
		return DepositResult{}, err
	}
	shares, err := e.ledger.PreviewDeposit(amount)
	if err != nil {
		return DepositResult{}, err
	}

	cp := e.ledger.Checkpoint(account)
	if err := e.ledger.Mint(account, amount, shares); err != nil {
		return DepositResult{}, err
	}

	target := e.registry.Active()
	reason := "deposit placed in active adapter"
	if target == strategy.NoAdapter {
		reason = "deposit held idle: no active adapter"
	} else if a, err := e.registry.Adapter(target); err != nil || !strategy.Healthy(ctx, a) {
		target = strategy.NoAdapter
		reason = "deposit held idle: active adapter unavailable"
	}
	if target != strategy.NoAdapter {
		if err := e.alloc.Place(ctx, target, amount); err != nil {
			e.ledger.Rollback(cp)
			return DepositResult{}, err
		}
	}

	d, err := e.record(audit.Decision{
		Type:        audit.TypeDepositAllocate,
		FromAdapter: strategy.NoAdapter,
		ToAdapter:   target,
		Amount:      amount,
		Reason:      reason,
		Actor:       account,
		Account:     account,
	})
	if err != nil {
		return DepositResult{}, err
	}
	return DepositResult{Shares: shares, Adapter: target, Decisions: []audit.Decision{d}}, nil
}

// WithdrawResult reports a successful withdrawal.
type WithdrawResult struct {
	Amount    uint64           `json:"amount"`
	Legs      []allocation.Leg `json:"legs"`
	Decisions []audit.Decision `json:"decisions"`
}

// Withdraw burns shares and pays the owed assets out of the idle balance,
// pulling from adapters first when idle funds are short.
func (e *Engine) Withdraw(ctx context.Context, account string, shares uint64) (WithdrawResult, error) {
	const op = "withdraw"
	leave, err := e.enter(op)
	if err != nil {
		return WithdrawResult{}, err
	}
	defer leave()

	if err := e.access.RequireRunning(op); err != nil {
		return WithdrawResult{}, err
	}
	return e.redeem(ctx, op, account, shares, false)
}

// EmergencyWithdraw is available while paused. It drains the active adapter
// regardless of health and burns shares at the ratio in force before the
// drain.
func (e *Engine) EmergencyWithdraw(ctx context.Context, account string, shares uint64) (WithdrawResult, error) {
	const op = "emergencyWithdraw"
	leave, err := e.enter(op)
	if err != nil {
		return WithdrawResult{}, err
	}
	defer leave()
	return e.redeem(ctx, op, account, shares, true)
}

func (e *Engine) redeem(ctx context.Context, op, account string, shares uint64, emergency bool) (WithdrawResult, error) {
	if shares == 0 {
		return WithdrawResult{}, errors.ZeroAmount(op)
	}
	acct, ok := e.ledger.Account(account)
	if !ok || acct.Shares < shares {
		return WithdrawResult{}, errors.InsufficientShares(op, acct.Shares, shares)
	}
	amount, err := e.ledger.PreviewRedeem(shares)
	if err != nil {
		return WithdrawResult{}, err
	}

	decisionType := audit.TypeWithdrawDeallocate
	reason := "withdrawal"
	var legs []allocation.Leg
	var gatherErr error
	if emergency {
		decisionType = audit.TypeEmergencyWithdraw
		reason = "emergency withdrawal"
		legs, gatherErr = e.alloc.EmergencyGather(ctx, amount)
	} else {
		legs, gatherErr = e.alloc.EnsureIdle(ctx, amount)
	}

	// Legs already moved funds to idle, so they are recorded even when the
	// withdrawal itself cannot complete.
	res := WithdrawResult{Amount: amount, Legs: legs}
	for _, leg := range legs {
		d, err := e.record(audit.Decision{
			Type:        decisionType,
			FromAdapter: leg.Adapter,
			ToAdapter:   strategy.NoAdapter,
			Amount:      leg.Amount,
			Reason:      reason,
			Actor:       account,
			Account:     account,
		})
		if err != nil {
			return WithdrawResult{}, err
		}
		res.Decisions = append(res.Decisions, d)
	}
	if gatherErr != nil {
		return WithdrawResult{}, gatherErr
	}

	if err := e.ledger.Burn(account, shares, amount, emergency); err != nil {
		return WithdrawResult{}, err
	}
	if len(legs) == 0 {
		d, err := e.record(audit.Decision{
			Type:        decisionType,
			FromAdapter: strategy.NoAdapter,
			ToAdapter:   strategy.NoAdapter,
			Amount:      amount,
			Reason:      reason + " paid from idle balance",
			Actor:       account,
			Account:     account,
		})
		if err != nil {
			return WithdrawResult{}, err
		}
		res.Decisions = append(res.Decisions, d)
	}
	return res, nil
}

// =============================================================================
// Operator operations
// =============================================================================

// Reallocate moves amount between adapters. The decision is logged before any
// funds move, so failed attempts remain auditable.
func (e *Engine) Reallocate(ctx context.Context, caller string, from, to strategy.AdapterID, amount uint64, reason string) (allocation.Result, audit.Decision, error) {
	const op = "reallocate"
	leave, err := e.enter(op)
	if err != nil {
		return allocation.Result{}, audit.Decision{}, err
	}
	defer leave()

	if err := e.access.RequireOperator(op, caller); err != nil {
		return allocation.Result{}, audit.Decision{}, err
	}
	if err := e.access.RequireRunning(op); err != nil {
		return allocation.Result{}, audit.Decision{}, err
	}
	if err := e.alloc.Validate(from, to); err != nil {
		return allocation.Result{}, audit.Decision{}, err
	}
	d, err := e.record(audit.Decision{
		Type:        audit.TypeRebalance,
		FromAdapter: from,
		ToAdapter:   to,
		Amount:      amount,
		Reason:      reason,
		Actor:       caller,
	})
	if err != nil {
		return allocation.Result{}, audit.Decision{}, err
	}
	res, err := e.alloc.Reallocate(ctx, from, to, amount)
	return res, d, err
}

// EmergencyDrainAdapter empties one adapter into the idle balance. Allowed
// while paused.
func (e *Engine) EmergencyDrainAdapter(ctx context.Context, caller string, id strategy.AdapterID, reason string) (uint64, audit.Decision, error) {
	const op = "emergencyDrain"
	leave, err := e.enter(op)
	if err != nil {
		return 0, audit.Decision{}, err
	}
	defer leave()

	if err := e.access.RequireOperator(op, caller); err != nil {
		return 0, audit.Decision{}, err
	}
	drained, err := e.alloc.Drain(ctx, id)
	if err != nil {
		return 0, audit.Decision{}, err
	}
	d, err := e.record(audit.Decision{
		Type:        audit.TypeEmergencyWithdraw,
		FromAdapter: id,
		ToAdapter:   strategy.NoAdapter,
		Amount:      drained,
		Reason:      reason,
		Actor:       caller,
	})
	return drained, d, err
}

// RegisterAdapter adds a strategy adapter.
func (e *Engine) RegisterAdapter(ctx context.Context, caller string, a strategy.Adapter, label string) (strategy.AdapterID, error) {
	const op = "registerAdapter"
	leave, err := e.enter(op)
	if err != nil {
		return strategy.NoAdapter, err
	}
	defer leave()

	if err := e.access.RequireOperator(op, caller); err != nil {
		return strategy.NoAdapter, err
	}
	return e.registry.Register(ctx, a, label)
}

// SetActiveAdapter routes new deposits to id.
func (e *Engine) SetActiveAdapter(ctx context.Context, caller string, id strategy.AdapterID) error {
	const op = "setActiveAdapter"
	leave, err := e.enter(op)
	if err != nil {
		return err
	}
	defer leave()

	if err := e.access.RequireOperator(op, caller); err != nil {
		return err
	}
	return e.registry.SetActive(ctx, id)
}

// DeactivateAdapter clears the active adapter once it has been drained.
func (e *Engine) DeactivateAdapter(caller string) error {
	const op = "deactivateAdapter"
	leave, err := e.enter(op)
	if err != nil {
		return err
	}
	defer leave()

	if err := e.access.RequireOperator(op, caller); err != nil {
		return err
	}
	return e.registry.Deactivate()
}

// RemoveAdapter drops an inactive, drained adapter.
func (e *Engine) RemoveAdapter(caller string, id strategy.AdapterID) error {
	const op = "removeAdapter"
	leave, err := e.enter(op)
	if err != nil {
		return err
	}
	defer leave()

	if err := e.access.RequireOperator(op, caller); err != nil {
		return err
	}
	return e.registry.Remove(id)
}

// Pause stops deposits, withdrawals and reallocations.
func (e *Engine) Pause(caller, reason string) error {
	return e.access.Pause(caller, reason)
}

// Unpause resumes normal operation.
func (e *Engine) Unpause(caller string) error {
	return e.access.Unpause(caller)
}

// GrantOperator gives actor the operator role.
func (e *Engine) GrantOperator(caller, actor string) error {
	return e.access.GrantOperator(caller, actor)
}

// RevokeOperator removes actor's operator role.
func (e *Engine) RevokeOperator(caller, actor string) error {
	return e.access.RevokeOperator(caller, actor)
}

// ProbeAdapter refreshes the cached health and reported assets of id.
func (e *Engine) ProbeAdapter(ctx context.Context, id strategy.AdapterID) (strategy.Record, error) {
	return e.registry.Probe(ctx, id)
}
