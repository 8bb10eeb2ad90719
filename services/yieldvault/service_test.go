package yieldvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	vaulterrors "github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/lock"
	"github.com/R3E-Network/yield_vault/internal/metrics"
	"github.com/R3E-Network/yield_vault/internal/notary"
	"github.com/R3E-Network/yield_vault/internal/storage/memory"
	"github.com/R3E-Network/yield_vault/internal/vault"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
	"github.com/R3E-Network/yield_vault/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	owner    = "treasury"
	operator = "agent"
)

type flakyStore struct {
	*memory.Store
	fail atomic.Bool
}

func (f *flakyStore) SaveChanges(ctx context.Context, c vault.Changes) error {
	if f.fail.Load() {
		return errors.New("database unavailable")
	}
	return f.Store.SaveChanges(ctx, c)
}

type memorySink struct {
	mu   sync.Mutex
	refs []string
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Publish(_ context.Context, b notary.Batch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "memory:" + b.ID
	s.refs = append(s.refs, ref)
	return ref, nil
}

func baseConfig(store *memory.Store, adapters ...AdapterSpec) Config {
	return Config{
		Engine:   vault.Config{Owner: owner, Operators: []string{operator}},
		Store:    store,
		Metrics:  metrics.NewCollector("test"),
		Logger:   logger.NewNop(),
		Adapters: adapters,
	}
}

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func counterValue(t *testing.T, c *metrics.Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			found := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					found++
				}
			}
			if found == len(labels) {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestServicePersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	adapter := strategy.NewSimulatedAdapter("lend:usdc", 0.05)

	svc, err := New(baseConfig(store, AdapterSpec{Adapter: adapter, Label: "Lending", Active: true}))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	res, err := svc.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), res.Shares)
	_, err = svc.Withdraw(ctx, "alice", 250)
	require.NoError(t, err)
	require.NoError(t, svc.Pause(ctx, owner, "audit"))

	want := svc.Engine().State()
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))

	restored := startService(t, baseConfig(store, AdapterSpec{Adapter: adapter, Label: "Lending", Active: true}))
	assert.Equal(t, want, restored.Engine().State())
	assert.True(t, restored.Engine().State().Paused)
	assert.Equal(t, uint64(2), restored.Engine().DecisionCount())
	assert.Equal(t, uint64(750), restored.GetUserAuditSummary("alice").Account.Shares)
	assert.Equal(t, StatusHealthy, restored.Health().Status)

	_, err = restored.Deposit(ctx, "bob", 10)
	assert.True(t, vaulterrors.Is(err, vaulterrors.ErrPaused))
}

func TestServiceRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	svc := startService(t, baseConfig(memory.New(), AdapterSpec{
		Adapter: strategy.NewSimulatedAdapter("lend:usdc", 0.05), Label: "Lending", Active: true,
	}))

	_, err := svc.Deposit(ctx, "alice", 500)
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, "alice", 501)
	require.Error(t, err)

	m := svc.Metrics()
	assert.Equal(t, 1.0, counterValue(t, m, "test_engine_operations_total", map[string]string{"operation": "deposit", "result": "success"}))
	assert.Equal(t, 1.0, counterValue(t, m, "test_engine_operations_total", map[string]string{"operation": "withdraw", "result": string(vaulterrors.CodeInsufficientShares)}))
	assert.Equal(t, 1.0, counterValue(t, m, "test_audit_decisions_total", map[string]string{"type": "DEPOSIT_ALLOCATE"}))
	assert.Equal(t, 500.0, counterValue(t, m, "test_ledger_total_assets", nil))
	assert.Equal(t, 500.0, counterValue(t, m, "test_adapter_allocated_assets", map[string]string{"label": "Lending"}))
}

func TestServicePersistFailureDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	store := &flakyStore{Store: inner}
	cfg := baseConfig(inner)
	cfg.Store = store
	svc := startService(t, cfg)

	store.fail.Store(true)
	_, err := svc.Deposit(ctx, "alice", 100)
	require.NoError(t, err)
	h := svc.Health()
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Contains(t, h.Details["persist_error"], "database unavailable")
	assert.Equal(t, 1.0, counterValue(t, svc.Metrics(), "test_storage_persist_failures_total", map[string]string{"stage": "save"}))

	store.fail.Store(false)
	_, err = svc.Deposit(ctx, "bob", 50)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, svc.Health().Status)

	snap, err := inner.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Decisions, 2)
	assert.Len(t, snap.Accounts, 2)
	assert.Equal(t, uint64(150), snap.State.TotalAssets)
}

func TestServiceNotarizesDecisions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sink := &memorySink{}
	cfg := baseConfig(store)
	cfg.NotarySinks = []notary.Sink{sink}
	cfg.NotaryConfig = notary.Config{BatchSize: 2, FlushInterval: time.Hour, SealKey: []byte("seal")}
	svc := startService(t, cfg)

	_, err := svc.Deposit(ctx, "alice", 100)
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "bob", 100)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ds, _, err := svc.GetAIDecisions(0, 2)
		return err == nil && len(ds[0].References) == 1 && len(ds[1].References) == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Decisions, 2)
	assert.Equal(t, snap.Decisions[0].References, snap.Decisions[1].References)
	ok, err := svc.Engine().VerifyDecision(1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServiceResubmitsUnnotarizedOnStart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	plain := startService(t, baseConfig(store))
	_, err := plain.Deposit(ctx, "alice", 100)
	require.NoError(t, err)
	require.NoError(t, plain.Stop(ctx))

	sink := &memorySink{}
	cfg := baseConfig(store)
	cfg.NotarySinks = []notary.Sink{sink}
	cfg.NotaryConfig = notary.Config{BatchSize: 1, FlushInterval: time.Hour, SealKey: []byte("seal")}
	svc := startService(t, cfg)

	require.Eventually(t, func() bool {
		ds, _, err := svc.GetAIDecisions(0, 1)
		return err == nil && len(ds[0].References) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServicePauseDoesNotWaitForWriters(t *testing.T) {
	ctx := context.Background()
	shared := lock.NewLocal()
	cfg := baseConfig(memory.New())
	cfg.Lock = shared
	cfg.LockTimeout = 20 * time.Millisecond
	svc := startService(t, cfg)

	release, err := shared.Acquire(ctx)
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, "alice", 100)
	assert.Equal(t, vaulterrors.CodeInternal, vaulterrors.CodeOf(err))

	require.NoError(t, svc.Pause(ctx, owner, "incident"))
	assert.True(t, svc.Engine().State().Paused)
	require.NoError(t, release())

	err = svc.Pause(ctx, operator, "again")
	assert.Error(t, err)
}

func TestServiceWithRedisWriterLock(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := baseConfig(memory.New(), AdapterSpec{
		Adapter: strategy.NewSimulatedAdapter("lend:usdc", 0.05), Label: "Lending", Active: true,
	})
	cfg.Lock = lock.NewRedis(client, lock.RedisConfig{Key: "test:vault", RetryDelay: time.Millisecond})
	svc := startService(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Deposit(ctx, fmt.Sprintf("user-%d", i), 100)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(500), svc.Engine().State().TotalAssets)
	assert.Equal(t, uint64(5), svc.Engine().DecisionCount())
	assert.False(t, mr.Exists("test:vault"))
	require.NoError(t, svc.Engine().CheckInvariants())
}

func TestServiceOperatorFlow(t *testing.T) {
	ctx := context.Background()
	a := strategy.NewSimulatedAdapter("lend:usdc", 0.04)
	b := strategy.NewSimulatedAdapter("pool:usdc-gas", 0.09)
	svc := startService(t, baseConfig(memory.New(),
		AdapterSpec{Adapter: a, Label: "Lending", Active: true},
		AdapterSpec{Adapter: b, Label: "Pool"},
	))

	_, err := svc.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)

	ids := svc.Engine().Adapters()
	require.Len(t, ids, 2)
	res, d, err := svc.Reallocate(ctx, operator, ids[0].ID, ids[1].ID, 400, "higher yield")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), res.Placed)
	assert.Equal(t, "higher yield", d.Reason)

	_, _, err = svc.Reallocate(ctx, "stranger", ids[0].ID, ids[1].ID, 1, "x")
	assert.True(t, vaulterrors.Is(err, vaulterrors.ErrUnauthorized))

	drained, _, err := svc.EmergencyDrainAdapter(ctx, operator, ids[1].ID, "exploit reported")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), drained)
	require.NoError(t, svc.RemoveAdapter(ctx, operator, ids[1].ID))
	assert.Len(t, svc.Engine().Adapters(), 1)

	m := svc.GetVaultMetrics()
	assert.Equal(t, uint64(1000), m.TotalAssets)
	assert.Equal(t, uint64(400), m.IdleAssets)
}

func TestNewRejectsBadKeeperSchedule(t *testing.T) {
	cfg := baseConfig(memory.New())
	cfg.Keeper = KeeperConfig{Schedule: "not a schedule"}
	_, err := New(cfg)
	assert.Error(t, err)
}

// stallingAdapter runs beforePlace inside Place and then fails the placement.
type stallingAdapter struct {
	*strategy.SimulatedAdapter
	beforePlace func(ctx context.Context)
}

func (a *stallingAdapter) Place(ctx context.Context, amount uint64) error {
	if a.beforePlace != nil {
		a.beforePlace(ctx)
	}
	return errors.New("venue rejected order")
}

func TestServicePauseDuringFailedDepositKeepsStoreConsistent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	adapter := &stallingAdapter{SimulatedAdapter: strategy.NewSimulatedAdapter("lend:usdc", 0.04)}
	svc := startService(t, baseConfig(store, AdapterSpec{Adapter: adapter, Label: "Lending", Active: true}))

	adapter.beforePlace = func(ctx context.Context) {
		assert.NoError(t, svc.Pause(ctx, owner, "incident"))
	}
	_, err := svc.Deposit(ctx, "alice", 1000)
	require.Error(t, err)
	assert.True(t, svc.Engine().State().Paused)
	assert.Zero(t, svc.Engine().State().TotalShares)

	snap, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Accounts)
	assert.Zero(t, snap.State.TotalShares)
	assert.True(t, snap.State.Paused)
	require.NoError(t, svc.Stop(ctx))

	restarted := startService(t, baseConfig(store,
		AdapterSpec{Adapter: strategy.NewSimulatedAdapter("lend:usdc", 0.04), Label: "Lending", Active: true}))
	assert.True(t, restarted.Engine().State().Paused)
	assert.Equal(t, StatusHealthy, restarted.Health().Status)
}

func TestServiceRemovedAdapterStaysRemovedAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := startService(t, baseConfig(store,
		AdapterSpec{Adapter: strategy.NewSimulatedAdapter("lend:usdc", 0.04), Label: "Lending", Active: true}))

	oldID, err := svc.RegisterAdapter(ctx, operator, strategy.NewSimulatedAdapter("lend:old", 0.01), "old")
	require.NoError(t, err)
	require.NoError(t, svc.RemoveAdapter(ctx, operator, oldID))
	require.Len(t, svc.Engine().Adapters(), 1)
	require.NoError(t, svc.Stop(ctx))

	restarted := startService(t, baseConfig(store,
		AdapterSpec{Adapter: strategy.NewSimulatedAdapter("lend:usdc", 0.04), Label: "Lending", Active: true}))
	adapters := restarted.Engine().Adapters()
	require.Len(t, adapters, 1)
	assert.Equal(t, "lend:usdc", adapters[0].Identity)

	_, err = restarted.RegisterAdapter(ctx, operator, strategy.NewSimulatedAdapter("lend:old", 0.01), "old")
	require.NoError(t, err)
	assert.Len(t, restarted.Engine().Adapters(), 2)
}
