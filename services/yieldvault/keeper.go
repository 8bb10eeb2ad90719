package yieldvault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
	"github.com/R3E-Network/yield_vault/pkg/logger"
)

const keeperRunTimeout = 30 * time.Second

// KeeperConfig configures the keeper.
type KeeperConfig struct {
	// Schedule is a cron spec with a leading seconds field.
	Schedule string
	// Concurrency bounds parallel adapter probes.
	Concurrency int
	// VerifyRecent is how many of the newest decisions are re-verified.
	VerifyRecent int
}

// KeeperReport summarises one keeper run.
type KeeperReport struct {
	Probed            int
	Unhealthy         []strategy.AdapterID
	Verified          int
	IntegrityFailures []uint64
}

// Keeper refreshes adapter caches and re-verifies recent decisions. It never
// mutates ledger state.
type Keeper struct {
	svc  *Service
	cfg  KeeperConfig
	cron *cron.Cron
	log  *logger.Logger

	running atomic.Bool
	mu      sync.Mutex
	last    KeeperReport
}

func newKeeper(svc *Service, cfg KeeperConfig, log *logger.Logger) (*Keeper, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.VerifyRecent <= 0 {
		cfg.VerifyRecent = 32
	}
	k := &Keeper{
		svc:  svc,
		cfg:  cfg,
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
	if _, err := k.cron.AddFunc(cfg.Schedule, k.scheduled); err != nil {
		return nil, fmt.Errorf("register keeper schedule %q: %w", cfg.Schedule, err)
	}
	return k, nil
}

// Start starts the cron scheduler.
func (k *Keeper) Start() {
	k.cron.Start()
	k.log.WithField("schedule", k.cfg.Schedule).Info("keeper started")
}

// Stop stops scheduling and waits for a running job.
func (k *Keeper) Stop(ctx context.Context) error {
	done := k.cron.Stop()
	select {
	case <-done.Done():
		k.log.Info("keeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("keeper stop: %w", ctx.Err())
	}
}

// LastReport returns the most recent run's report.
func (k *Keeper) LastReport() KeeperReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

func (k *Keeper) scheduled() {
	if !k.running.CompareAndSwap(false, true) {
		k.log.Warn("keeper run skipped, previous run still in progress")
		return
	}
	defer k.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), keeperRunTimeout)
	defer cancel()
	go func() {
		select {
		case <-k.svc.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := k.RunOnce(ctx); err != nil {
		k.log.WithError(err).Error("keeper run failed")
	}
}

// RunOnce probes every bound adapter concurrently and verifies the newest
// decisions. It returns an error when a decision fails verification.
func (k *Keeper) RunOnce(ctx context.Context) (KeeperReport, error) {
	start := time.Now()
	report, err := k.run(ctx)
	k.svc.metrics.RecordKeeperRun(time.Since(start), err)
	k.svc.recordKeeper(err)
	k.svc.refreshGauges()

	k.mu.Lock()
	k.last = report
	k.mu.Unlock()
	return report, err
}

func (k *Keeper) run(ctx context.Context) (KeeperReport, error) {
	var (
		report KeeperReport
		mu     sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, rec := range k.svc.engine.Adapters() {
		id := rec.ID
		g.Go(func() error {
			updated, err := k.svc.engine.ProbeAdapter(gctx, id)
			if err != nil {
				// Restored records stay unbound until the adapter is registered again.
				k.log.WithError(err).WithField("adapter", id.String()).Debug("adapter not probed")
				return nil
			}
			mu.Lock()
			report.Probed++
			if !updated.Healthy {
				report.Unhealthy = append(report.Unhealthy, id)
			}
			mu.Unlock()
			if !updated.Healthy {
				k.log.WithFields(map[string]interface{}{
					"adapter":   id.String(),
					"label":     updated.Label,
					"allocated": updated.Allocated,
				}).Warn("adapter unhealthy")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	total := k.svc.engine.DecisionCount()
	from := uint64(0)
	if n := uint64(k.cfg.VerifyRecent); total > n {
		from = total - n
	}
	for seq := from; seq < total; seq++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ok, err := k.svc.engine.VerifyDecision(seq)
		if err != nil {
			return report, err
		}
		report.Verified++
		if !ok {
			report.IntegrityFailures = append(report.IntegrityFailures, seq)
			k.svc.metrics.RecordIntegrityFailure()
			k.log.WithField("seq", seq).Error("decision failed integrity verification")
		}
	}
	if len(report.IntegrityFailures) > 0 {
		return report, fmt.Errorf("%d decisions failed integrity verification", len(report.IntegrityFailures))
	}
	return report, nil
}
