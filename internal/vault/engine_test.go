package vault

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/internal/vault/ledger"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

const (
	owner    = "owner"
	operator = "agent"
)

type harness struct {
	engine *Engine
	a, b   *strategy.SimulatedAdapter
	idA    strategy.AdapterID
	idB    strategy.AdapterID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h := &harness{
		engine: New(Config{
			Owner:     owner,
			Operators: []string{operator},
			PageCap:   50,
			Now: func() time.Time {
				clock = clock.Add(time.Second)
				return clock
			},
		}),
		a: strategy.NewSimulatedAdapter("lend:usdc", 0.04),
		b: strategy.NewSimulatedAdapter("pool:usdc-gas", 0.09),
	}
	var err error
	h.idA, err = h.engine.RegisterAdapter(ctx, operator, h.a, "Lending")
	require.NoError(t, err)
	h.idB, err = h.engine.RegisterAdapter(ctx, operator, h.b, "Pool")
	require.NoError(t, err)
	require.NoError(t, h.engine.SetActiveAdapter(ctx, operator, h.idA))
	return h
}

func TestDepositBootstrap(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Deposit(context.Background(), "alice", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), res.Shares)
	assert.Equal(t, h.idA, res.Adapter)
	assert.Equal(t, uint64(1000), h.a.Balance())

	require.Len(t, res.Decisions, 1)
	d := res.Decisions[0]
	assert.Equal(t, audit.TypeDepositAllocate, d.Type)
	assert.Equal(t, strategy.NoAdapter, d.FromAdapter)
	assert.Equal(t, h.idA, d.ToAdapter)
	assert.Equal(t, "alice", d.Account)
	require.NoError(t, h.engine.CheckInvariants())
}

func TestDepositProportionalAfterYield(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)

	// Realise 1000 of yield by pulling everything back to idle.
	h.a.Accrue(1000)
	_, _, err = h.engine.Reallocate(ctx, operator, h.idA, strategy.NoAdapter, 2000, "harvest")
	require.NoError(t, err)
	st := h.engine.State()
	require.Equal(t, uint64(2000), st.TotalAssets)
	require.Equal(t, uint64(1000), st.TotalShares)

	res, err := h.engine.Deposit(ctx, "bob", 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), res.Shares)
	require.NoError(t, h.engine.CheckInvariants())
}

func TestWithdrawFloor(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Restore(Snapshot{
		State:    VaultState{TotalAssets: 1, TotalShares: 1000, IdleAssets: 1},
		Accounts: []ledger.Account{{ID: "alice", Shares: 1000}},
	})
	require.NoError(t, err)

	res, err := h.engine.Withdraw(context.Background(), "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Amount)
	require.NoError(t, h.engine.CheckInvariants())
}

func TestWithdrawPullsFromAdapters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)

	res, err := h.engine.Withdraw(ctx, "alice", 400)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), res.Amount)
	assert.Equal(t, uint64(600), h.a.Balance())
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, audit.TypeWithdrawDeallocate, res.Decisions[0].Type)
	assert.Equal(t, h.idA, res.Decisions[0].FromAdapter)

	summary := h.engine.GetUserAuditSummary("alice")
	assert.Equal(t, uint64(600), summary.Account.Shares)
	assert.Equal(t, uint64(600), summary.CurrentValue)
	assert.Equal(t, uint64(1), summary.Activity.WithdrawCount)
	assert.Equal(t, uint64(400), summary.Activity.TotalWithdrawn)
}

func TestWithdrawRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 100)
	require.NoError(t, err)

	_, err = h.engine.Withdraw(ctx, "alice", 0)
	assert.True(t, errors.Is(err, errors.ErrZeroAmount), "err = %v", err)
	_, err = h.engine.Withdraw(ctx, "alice", 101)
	assert.True(t, errors.Is(err, errors.ErrInsufficientShares), "err = %v", err)
	_, err = h.engine.Withdraw(ctx, "bob", 1)
	assert.True(t, errors.Is(err, errors.ErrInsufficientShares), "err = %v", err)
}

func TestWithdrawShortLiquidityKeepsShares(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	h.a.SetPullLimit(100)

	_, err = h.engine.Withdraw(ctx, "alice", 500)
	assert.True(t, errors.Is(err, errors.ErrInsufficientBalance), "err = %v", err)
	acct := h.engine.GetUserAuditSummary("alice").Account
	assert.Equal(t, uint64(1000), acct.Shares)
	st := h.engine.State()
	assert.Equal(t, uint64(1000), st.TotalAssets)
	assert.Equal(t, uint64(100), st.IdleAssets, "pulled funds stay idle")
	require.NoError(t, h.engine.CheckInvariants())
}

func TestDepositFailedPlacementRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.a.FailPlacements(fmt.Errorf("market closed"))

	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.Error(t, err)
	st := h.engine.State()
	assert.Zero(t, st.TotalAssets)
	assert.Zero(t, st.TotalShares)
	assert.Zero(t, h.engine.DecisionCount())
	assert.Zero(t, h.engine.GetUserAuditSummary("alice").Account.Shares)
	require.NoError(t, h.engine.CheckInvariants())
}

func TestDepositUnhealthyActiveHeldIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.a.SetHealthy(false)

	res, err := h.engine.Deposit(ctx, "alice", 300)
	require.NoError(t, err)
	assert.Equal(t, strategy.NoAdapter, res.Adapter)
	assert.Equal(t, uint64(300), h.engine.State().IdleAssets)
	assert.Zero(t, h.a.Balance())
}

func TestRebalanceAtomicity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	h.b.FailPlacements(fmt.Errorf("pool halted"))
	before := h.engine.State().TotalAssets

	res, d, err := h.engine.Reallocate(ctx, operator, h.idA, h.idB, 600, "higher apy")
	require.Error(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, audit.TypeRebalance, d.Type)
	assert.Equal(t, uint64(600), d.Amount)
	assert.Equal(t, "higher apy", d.Reason)

	st := h.engine.State()
	assert.Equal(t, before, st.TotalAssets)
	assert.Equal(t, uint64(600), st.IdleAssets)
	require.NoError(t, h.engine.CheckInvariants())

	// The decision was logged before execution and survives the failure.
	got := h.engine.DecisionsByType(audit.TypeRebalance, 10)
	require.Len(t, got, 1)
	assert.Equal(t, d.SequenceID, got[0].SequenceID)
}

func TestReallocateAuthorizationAndValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.engine.Reallocate(ctx, "alice", h.idA, h.idB, 1, "")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized), "err = %v", err)
	_, _, err = h.engine.Reallocate(ctx, operator, h.idA, 99, 1, "")
	assert.True(t, errors.Is(err, errors.ErrAdapterNotFound), "err = %v", err)
	assert.Zero(t, h.engine.DecisionCount(), "rejected calls are not logged")

	_, d, err := h.engine.Reallocate(ctx, operator, h.idA, h.idA, 10, "health check")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), d.SequenceID)
}

func TestPauseSemantics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)

	assert.True(t, errors.Is(h.engine.Pause("alice", "x"), errors.ErrUnauthorized))
	require.NoError(t, h.engine.Pause(operator, "oracle incident"))

	_, err = h.engine.Deposit(ctx, "bob", 10)
	assert.True(t, errors.Is(err, errors.ErrPaused), "deposit err = %v", err)
	_, err = h.engine.Withdraw(ctx, "alice", 10)
	assert.True(t, errors.Is(err, errors.ErrPaused), "withdraw err = %v", err)
	_, _, err = h.engine.Reallocate(ctx, operator, h.idA, h.idB, 10, "")
	assert.True(t, errors.Is(err, errors.ErrPaused), "reallocate err = %v", err)

	h.a.SetHealthy(false)
	res, err := h.engine.EmergencyWithdraw(ctx, "alice", 400)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), res.Amount)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, audit.TypeEmergencyWithdraw, res.Decisions[0].Type)
	assert.Equal(t, uint64(1000), res.Decisions[0].Amount, "whole active adapter drained")
	assert.Zero(t, h.a.Balance())

	st := h.engine.State()
	assert.Equal(t, uint64(600), st.TotalAssets)
	assert.Equal(t, uint64(600), st.IdleAssets)
	assert.True(t, st.Paused)
	require.NoError(t, h.engine.CheckInvariants())

	require.NoError(t, h.engine.Unpause(owner))
	_, err = h.engine.Withdraw(ctx, "alice", 600)
	require.NoError(t, err)
}

func TestEmergencyDrainAdapter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 500)
	require.NoError(t, err)
	require.NoError(t, h.engine.Pause(operator, ""))

	_, _, err = h.engine.EmergencyDrainAdapter(ctx, "alice", h.idA, "")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	drained, d, err := h.engine.EmergencyDrainAdapter(ctx, operator, h.idA, "exploit reported")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), drained)
	assert.Equal(t, audit.TypeEmergencyWithdraw, d.Type)
	assert.Equal(t, h.idA, d.FromAdapter)
	require.NoError(t, h.engine.CheckInvariants())
}

func TestReentrantCallRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var inner error
	h.a.OnPlace(func(ctx context.Context) {
		_, inner = h.engine.Deposit(ctx, "mallory", 10)
	})

	_, err := h.engine.Deposit(ctx, "alice", 100)
	require.NoError(t, err)
	assert.True(t, errors.Is(inner, errors.ErrReentrant), "inner err = %v", inner)
	assert.Zero(t, h.engine.GetUserAuditSummary("mallory").Account.Shares)
	require.NoError(t, h.engine.CheckInvariants())
}

func TestRangeValidation(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.engine.GetAIDecisions(10, 5)
	assert.True(t, errors.Is(err, errors.ErrInvalidRange))
	_, _, err = h.engine.GetAIDecisions(0, uint64(h.engine.PageCap())+1)
	assert.True(t, errors.Is(err, errors.ErrInvalidRange))
}

func TestConservationUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rng := rand.New(rand.NewSource(7))
	accounts := []string{"alice", "bob", "carol", "dave"}
	ids := []strategy.AdapterID{strategy.NoAdapter, h.idA, h.idB}

	for i := 0; i < 400; i++ {
		acct := accounts[rng.Intn(len(accounts))]
		switch rng.Intn(5) {
		case 0, 1:
			_, _ = h.engine.Deposit(ctx, acct, uint64(rng.Intn(5000)))
		case 2:
			shares := h.engine.GetUserAuditSummary(acct).Account.Shares
			if shares > 0 {
				_, _ = h.engine.Withdraw(ctx, acct, uint64(rng.Int63n(int64(shares)))+1)
			}
		case 3:
			from, to := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			_, _, _ = h.engine.Reallocate(ctx, operator, from, to, uint64(rng.Intn(3000)), "fuzz")
		case 4:
			if rng.Intn(2) == 0 {
				h.a.Accrue(uint64(rng.Intn(50)))
			} else {
				h.b.SetPullLimit(uint64(rng.Intn(500)))
			}
		}
		require.NoError(t, h.engine.CheckInvariants(), "step %d", i)
	}

	n := h.engine.DecisionCount()
	for seq := uint64(0); seq < n; seq++ {
		ok, err := h.engine.VerifyDecision(seq)
		require.NoError(t, err)
		require.True(t, ok, "decision %d failed verification", seq)
	}
}

func TestTakeChangesAndRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	_, _, err = h.engine.Reallocate(ctx, operator, h.idA, h.idB, 250, "spread")
	require.NoError(t, err)
	require.NoError(t, h.engine.Pause(operator, "maintenance"))

	changes := h.engine.TakeChanges()
	assert.Len(t, changes.Accounts, 1)
	assert.Len(t, changes.Decisions, 2)
	assert.Len(t, changes.Adapters, 2)
	assert.True(t, changes.State.Paused)
	assert.True(t, h.engine.TakeChanges().Empty())

	restored := New(Config{Owner: owner, Operators: []string{operator}})
	require.NoError(t, restored.Restore(Snapshot{
		State:     changes.State,
		Access:    changes.Access,
		Accounts:  changes.Accounts,
		Summaries: changes.Summaries,
		Adapters:  changes.Adapters,
		Decisions: changes.Decisions,
	}))
	assert.Equal(t, h.engine.State(), restored.State())

	// Adapters re-bind by identity and keep their ids.
	id, err := restored.RegisterAdapter(ctx, operator, h.b, "")
	require.NoError(t, err)
	assert.Equal(t, h.idB, id)
	assert.Equal(t, uint64(2), restored.DecisionCount())
	assert.True(t, restored.TakeChanges().Empty(), "restored decisions are already persisted")
}

func TestGetVaultMetrics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	_, err = h.engine.Deposit(ctx, "bob", 500)
	require.NoError(t, err)

	m := h.engine.GetVaultMetrics()
	assert.Equal(t, uint64(1500), m.TotalAssets)
	assert.Equal(t, uint64(1500), m.AllocatedAssets)
	assert.Equal(t, 1.0, m.SharePrice)
	assert.Equal(t, 2, m.AccountCount)
	assert.Equal(t, uint64(2), m.DecisionCount)
	assert.Equal(t, h.idA, m.ActiveAdapter)
	assert.Len(t, m.Adapters, 2)
}

func TestRemovedAdapterIDIsNotReusedAfterRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.engine.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	_, _, err = h.engine.Reallocate(ctx, operator, h.idA, h.idB, 250, "spread")
	require.NoError(t, err)
	_, _, err = h.engine.Reallocate(ctx, operator, h.idB, h.idA, 250, "unwind")
	require.NoError(t, err)
	require.NoError(t, h.engine.RemoveAdapter(operator, h.idB))

	changes := h.engine.TakeChanges()
	assert.Equal(t, []strategy.AdapterID{h.idB}, changes.RemovedAdapters)
	assert.Len(t, changes.Adapters, 1)
	assert.Empty(t, h.engine.TakeChanges().RemovedAdapters)

	restored := New(Config{Owner: owner, Operators: []string{operator}})
	require.NoError(t, restored.Restore(Snapshot{
		State:     changes.State,
		Access:    changes.Access,
		Accounts:  changes.Accounts,
		Summaries: changes.Summaries,
		Adapters:  changes.Adapters,
		Decisions: changes.Decisions,
	}))
	// Decisions still name the removed adapter, so its id stays retired.
	id, err := restored.RegisterAdapter(ctx, operator, strategy.NewSimulatedAdapter("pool:new", 0.05), "New pool")
	require.NoError(t, err)
	assert.Greater(t, id, h.idB)
}
