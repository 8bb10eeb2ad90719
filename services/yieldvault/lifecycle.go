package yieldvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/yield_vault/internal/storage"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

// =============================================================================
// Lifecycle
// =============================================================================

// Start hydrates the engine from the store, registers the configured
// adapters, then starts the notary and keeper. It runs once; later calls
// return the first result.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Service) start(ctx context.Context) error {
	s.healthMu.Lock()
	s.startTime = time.Now()
	s.healthMu.Unlock()

	if err := s.hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	if err := s.registerAdapters(ctx); err != nil {
		return fmt.Errorf("register adapters: %w", err)
	}
	s.persist(ctx)
	s.refreshGauges()

	if s.notary != nil {
		s.notary.Start()
		s.resubmitUnnotarized()
	}
	if s.keeper != nil {
		s.keeper.Start()
	}

	s.log.WithFields(map[string]interface{}{
		"decisions": s.engine.DecisionCount(),
		"adapters":  len(s.engine.Adapters()),
		"status":    s.engine.Access().Status.String(),
	}).Info("vault service started")
	return nil
}

func (s *Service) hydrate(ctx context.Context) error {
	snap, err := s.store.LoadSnapshot(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Info("no persisted vault state, starting empty")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.engine.Restore(snap); err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"accounts":     len(snap.Accounts),
		"decisions":    len(snap.Decisions),
		"total_assets": snap.State.TotalAssets,
	}).Info("vault state restored")
	return nil
}

func (s *Service) registerAdapters(ctx context.Context) error {
	activate := strategy.NoAdapter
	for _, spec := range s.adapters {
		id, err := s.engine.RegisterAdapter(ctx, s.owner, spec.Adapter, spec.Label)
		if err != nil {
			return fmt.Errorf("%s: %w", spec.Adapter.Identity(), err)
		}
		if spec.Active {
			activate = id
		}
	}
	if activate == strategy.NoAdapter || s.engine.State().ActiveAdapter != strategy.NoAdapter {
		return nil
	}
	if err := s.engine.SetActiveAdapter(ctx, s.owner, activate); err != nil {
		s.log.WithError(err).WithField("adapter", activate.String()).Warn("configured adapter not activated")
	}
	return nil
}

// resubmitUnnotarized queues restored decisions that carry no reference yet.
func (s *Service) resubmitUnnotarized() {
	total := s.engine.DecisionCount()
	page := uint64(s.engine.PageCap())
	queued := 0
	for from := uint64(0); from < total; from += page {
		to := min(from+page, total)
		decisions, _, err := s.engine.GetAIDecisions(from, to)
		if err != nil {
			s.log.WithError(err).Error("read decisions for notarization")
			return
		}
		for _, d := range decisions {
			if len(d.References) == 0 && s.notary.Submit(d.SequenceID, d.IntegrityHash) {
				queued++
			}
		}
	}
	if queued > 0 {
		s.log.WithField("count", queued).Info("queued restored decisions for notarization")
	}
}

// Stop stops the keeper, flushes the notary and writes a final checkpoint.
// It is idempotent.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.keeper != nil {
			if kerr := s.keeper.Stop(ctx); kerr != nil {
				err = errors.Join(err, kerr)
			}
		}
		if s.notary != nil {
			if nerr := s.notary.Stop(ctx); nerr != nil {
				err = errors.Join(err, nerr)
			}
		}
		release, lerr := s.lock.Acquire(ctx)
		if lerr != nil {
			err = errors.Join(err, fmt.Errorf("final checkpoint: acquire writer lock: %w", lerr))
		} else {
			s.persist(ctx)
			if rerr := release(); rerr != nil {
				s.log.WithError(rerr).Error("release writer lock")
			}
			if perr := s.persistError(); perr != nil {
				err = errors.Join(err, fmt.Errorf("final checkpoint: %w", perr))
			}
		}
		s.log.Info("vault service stopped")
	})
	return err
}

// StopChan is closed once Stop begins.
func (s *Service) StopChan() <-chan struct{} {
	return s.stopCh
}
