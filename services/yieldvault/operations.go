package yieldvault

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault"
	"github.com/R3E-Network/yield_vault/internal/vault/allocation"
	"github.com/R3E-Network/yield_vault/internal/vault/audit"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// =============================================================================
// Mutation pipeline
// =============================================================================

// mutate runs fn under the writer lock, then checkpoints, notarizes and
// records metrics whatever fn returned: a failed withdrawal can still have
// moved funds to idle and recorded decisions.
func (s *Service) mutate(ctx context.Context, op string, fields map[string]interface{}, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	release, err := s.lock.Acquire(lockCtx)
	cancel()
	if err != nil {
		s.metrics.RecordOperation(op, "lock_timeout", 0)
		return errors.Internal(op, "acquire writer lock", err)
	}

	start := time.Now()
	opErr := fn(ctx)
	duration := time.Since(start)
	s.afterMutation(ctx)

	if rerr := release(); rerr != nil {
		s.log.WithError(rerr).WithField("op", op).Error("release writer lock")
	}

	if s.controlPending.CompareAndSwap(true, false) {
		s.checkpointControl(ctx)
	}

	s.finish(op, fields, duration, opErr)
	return opErr
}

func (s *Service) afterMutation(ctx context.Context) {
	changes := s.persist(ctx)
	for _, d := range changes.Decisions {
		s.metrics.RecordDecision(string(d.Type))
		if s.notary != nil {
			s.notary.Submit(d.SequenceID, d.IntegrityHash)
		}
	}
	s.refreshGauges()
}

func (s *Service) finish(op string, fields map[string]interface{}, duration time.Duration, err error) {
	code := errors.CodeOf(err)
	result := "success"
	if err != nil {
		result = "error"
		if code != "" {
			result = string(code)
		}
	}
	s.metrics.RecordOperation(op, result, duration)

	entry := s.log.WithFields(fields).WithField("op", op).WithField("duration", duration.String())
	switch {
	case err == nil:
		entry.Info("vault operation completed")
	case code == "" || code == errors.CodeInternal:
		entry.WithError(err).Error("vault operation failed")
	default:
		entry.WithError(err).Warn("vault operation rejected")
	}
}

// persist writes the current checkpoint, retrying any earlier failed ones
// first. It returns the changes taken from the engine.
func (s *Service) persist(ctx context.Context) vault.Changes {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	changes := s.engine.TakeChanges()
	s.unsaved = append(s.unsaved, changes)

	for len(s.unsaved) > 0 {
		if err := s.store.SaveChanges(ctx, s.unsaved[0]); err != nil {
			s.metrics.RecordPersistFailure("save")
			s.log.WithError(err).WithField("pending", len(s.unsaved)).Error("persist vault checkpoint")
			s.setPersistError(err)
			return changes
		}
		s.unsaved = s.unsaved[1:]
	}
	s.setPersistError(nil)
	return changes
}

func (s *Service) attachReceipt(ctx context.Context, seq uint64, ref string) error {
	if err := s.engine.AttachDecisionReference(seq, ref); err != nil {
		return err
	}
	if err := s.store.AttachReference(ctx, seq, ref); err != nil {
		s.metrics.RecordPersistFailure("receipt")
		return fmt.Errorf("store reference: %w", err)
	}
	return nil
}

func (s *Service) refreshGauges() {
	m := s.engine.GetVaultMetrics()
	s.metrics.SetBalances(m.TotalAssets, m.TotalShares, m.IdleAssets, s.engine.State().Paused)
	for _, rec := range m.Adapters {
		s.metrics.SetAdapter(uint32(rec.ID), rec.Label, rec.ReportedAssets, rec.Allocated, rec.Healthy)
	}
}

// =============================================================================
// Depositor operations
// =============================================================================

// Deposit credits amount to account.
func (s *Service) Deposit(ctx context.Context, account string, amount uint64) (vault.DepositResult, error) {
	var res vault.DepositResult
	err := s.mutate(ctx, "deposit", map[string]interface{}{"account": account, "amount": amount}, func(ctx context.Context) error {
		var err error
		res, err = s.engine.Deposit(ctx, account, amount)
		return err
	})
	return res, err
}

// Withdraw redeems shares for account.
func (s *Service) Withdraw(ctx context.Context, account string, shares uint64) (vault.WithdrawResult, error) {
	var res vault.WithdrawResult
	err := s.mutate(ctx, "withdraw", map[string]interface{}{"account": account, "shares": shares}, func(ctx context.Context) error {
		var err error
		res, err = s.engine.Withdraw(ctx, account, shares)
		return err
	})
	return res, err
}

// EmergencyWithdraw redeems shares for account while paused or not.
func (s *Service) EmergencyWithdraw(ctx context.Context, account string, shares uint64) (vault.WithdrawResult, error) {
	var res vault.WithdrawResult
	err := s.mutate(ctx, "emergencyWithdraw", map[string]interface{}{"account": account, "shares": shares}, func(ctx context.Context) error {
		var err error
		res, err = s.engine.EmergencyWithdraw(ctx, account, shares)
		return err
	})
	return res, err
}

// =============================================================================
// Operator operations
// =============================================================================

// Reallocate moves funds between adapters.
func (s *Service) Reallocate(ctx context.Context, caller string, from, to strategy.AdapterID, amount uint64, reason string) (allocation.Result, audit.Decision, error) {
	var (
		res allocation.Result
		d   audit.Decision
	)
	fields := map[string]interface{}{
		"caller": caller,
		"from":   from.String(),
		"to":     to.String(),
		"amount": amount,
	}
	err := s.mutate(ctx, "reallocate", fields, func(ctx context.Context) error {
		var err error
		res, d, err = s.engine.Reallocate(ctx, caller, from, to, amount, reason)
		return err
	})
	return res, d, err
}

// EmergencyDrainAdapter pulls everything out of id.
func (s *Service) EmergencyDrainAdapter(ctx context.Context, caller string, id strategy.AdapterID, reason string) (uint64, audit.Decision, error) {
	var (
		drained uint64
		d       audit.Decision
	)
	err := s.mutate(ctx, "emergencyDrain", map[string]interface{}{"caller": caller, "adapter": id.String()}, func(ctx context.Context) error {
		var err error
		drained, d, err = s.engine.EmergencyDrainAdapter(ctx, caller, id, reason)
		return err
	})
	return drained, d, err
}

// RegisterAdapter adds a strategy adapter at runtime.
func (s *Service) RegisterAdapter(ctx context.Context, caller string, a strategy.Adapter, label string) (strategy.AdapterID, error) {
	var id strategy.AdapterID
	err := s.mutate(ctx, "registerAdapter", map[string]interface{}{"caller": caller, "identity": a.Identity()}, func(ctx context.Context) error {
		var err error
		id, err = s.engine.RegisterAdapter(ctx, caller, a, label)
		return err
	})
	return id, err
}

// SetActiveAdapter routes new deposits to id.
func (s *Service) SetActiveAdapter(ctx context.Context, caller string, id strategy.AdapterID) error {
	return s.mutate(ctx, "setActiveAdapter", map[string]interface{}{"caller": caller, "adapter": id.String()}, func(ctx context.Context) error {
		return s.engine.SetActiveAdapter(ctx, caller, id)
	})
}

// DeactivateAdapter clears the active adapter.
func (s *Service) DeactivateAdapter(ctx context.Context, caller string) error {
	return s.mutate(ctx, "deactivateAdapter", map[string]interface{}{"caller": caller}, func(context.Context) error {
		return s.engine.DeactivateAdapter(caller)
	})
}

// RemoveAdapter drops an inactive, drained adapter.
func (s *Service) RemoveAdapter(ctx context.Context, caller string, id strategy.AdapterID) error {
	return s.mutate(ctx, "removeAdapter", map[string]interface{}{"caller": caller, "adapter": id.String()}, func(context.Context) error {
		return s.engine.RemoveAdapter(caller, id)
	})
}

// =============================================================================
// Access control
// =============================================================================

// Pause takes effect immediately and does not wait for the writer lock.
func (s *Service) Pause(ctx context.Context, caller, reason string) error {
	return s.control(ctx, "pause", caller, func() error { return s.engine.Pause(caller, reason) })
}

// Unpause resumes normal operation.
func (s *Service) Unpause(ctx context.Context, caller string) error {
	return s.control(ctx, "unpause", caller, func() error { return s.engine.Unpause(caller) })
}

// GrantOperator gives actor the operator role.
func (s *Service) GrantOperator(ctx context.Context, caller, actor string) error {
	return s.control(ctx, "grantOperator", caller, func() error { return s.engine.GrantOperator(caller, actor) })
}

// RevokeOperator removes actor's operator role.
func (s *Service) RevokeOperator(ctx context.Context, caller, actor string) error {
	return s.control(ctx, "revokeOperator", caller, func() error { return s.engine.RevokeOperator(caller, actor) })
}

func (s *Service) control(ctx context.Context, op, caller string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	if err == nil {
		s.checkpointControl(ctx)
	}
	s.finish(op, map[string]interface{}{"caller": caller}, duration, err)
	return err
}

// checkpointControl persists only when no writer is mid-mutation: a
// checkpoint taken between a writer's ledger update and its rollback would
// store books that never balanced. A busy writer picks the change up once it
// releases the lock.
func (s *Service) checkpointControl(ctx context.Context) {
	release, ok, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.log.WithError(err).Warn("checkpoint after control call deferred")
	}
	if err != nil || !ok {
		s.controlPending.Store(true)
		return
	}
	s.afterMutation(ctx)
	if rerr := release(); rerr != nil {
		s.log.WithError(rerr).Error("release writer lock")
	}
}

// =============================================================================
// Queries
// =============================================================================

// GetAIDecisions returns decisions in [from, to) and how many were returned.
func (s *Service) GetAIDecisions(from, to uint64) ([]audit.Decision, int, error) {
	return s.engine.GetAIDecisions(from, to)
}

// GetUserAuditSummary returns account's position and activity.
func (s *Service) GetUserAuditSummary(account string) vault.UserAuditSummary {
	return s.engine.GetUserAuditSummary(account)
}

// GetVaultMetrics returns the vault overview.
func (s *Service) GetVaultMetrics() vault.Metrics {
	return s.engine.GetVaultMetrics()
}
