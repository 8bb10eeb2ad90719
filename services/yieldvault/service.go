// Package yieldvault runs the vault engine as a long-lived service.
//
// The service serialises writers through a lock.WriterLock, persists an
// engine checkpoint after every mutation, forwards new decisions to the
// notary bridge and runs the keeper on a cron schedule. Reads go straight to
// the engine.
package yieldvault

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/yield_vault/internal/lock"
	"github.com/R3E-Network/yield_vault/internal/metrics"
	"github.com/R3E-Network/yield_vault/internal/notary"
	"github.com/R3E-Network/yield_vault/internal/storage"
	"github.com/R3E-Network/yield_vault/internal/storage/memory"
	"github.com/R3E-Network/yield_vault/internal/vault"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
	"github.com/R3E-Network/yield_vault/pkg/logger"
)

const (
	ServiceID   = "yieldvault"
	ServiceName = "Yield Vault Service"
	Version     = "1.0.0"

	defaultLockTimeout = 30 * time.Second
)

// AdapterSpec is an adapter registered when the service starts.
type AdapterSpec struct {
	Adapter strategy.Adapter
	Label   string
	// Active makes the adapter the deposit target unless one is already
	// active in the restored state.
	Active bool
}

// Config wires the service.
type Config struct {
	Engine      vault.Config
	Store       storage.Store
	Lock        lock.WriterLock
	LockTimeout time.Duration
	Metrics     *metrics.Collector
	Logger      *logger.Logger
	Adapters    []AdapterSpec

	// NotarySinks enables notarization when non-empty.
	NotarySinks  []notary.Sink
	NotaryConfig notary.Config

	Keeper KeeperConfig
}

// Service is the vault service.
type Service struct {
	engine      *vault.Engine
	store       storage.Store
	lock        lock.WriterLock
	lockTimeout time.Duration
	metrics     *metrics.Collector
	log         *logger.Logger
	adapters    []AdapterSpec
	notary      *notary.Bridge
	keeper      *Keeper
	owner       string

	// Lifecycle management
	startOnce sync.Once
	startErr  error
	stopCh    chan struct{}
	stopOnce  sync.Once

	// persistMu orders checkpoints so an older one never overwrites a newer one.
	persistMu sync.Mutex
	unsaved   []vault.Changes
	// controlPending is set when a lock-free control call could not
	// checkpoint because a writer held the lock.
	controlPending atomic.Bool

	// Health tracking
	healthMu    sync.RWMutex
	persistErr  error
	lastPersist time.Time
	lastKeeper  time.Time
	keeperErr   error
	startTime   time.Time
}

// New builds a service. Missing collaborators get in-process defaults.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		cfg.Store = memory.New()
	}
	if cfg.Lock == nil {
		cfg.Lock = lock.NewLocal()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector("")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault(ServiceID)
	}

	s := &Service{
		engine:      vault.New(cfg.Engine),
		store:       cfg.Store,
		lock:        cfg.Lock,
		lockTimeout: cfg.LockTimeout,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		adapters:    cfg.Adapters,
		owner:       cfg.Engine.Owner,
		stopCh:      make(chan struct{}),
	}

	if len(cfg.NotarySinks) > 0 {
		bridge, err := notary.NewBridge(cfg.NotaryConfig, cfg.NotarySinks, s.attachReceipt, cfg.Metrics, cfg.Logger.Named("notary"))
		if err != nil {
			return nil, err
		}
		s.notary = bridge
	}

	if cfg.Keeper.Schedule != "" {
		k, err := newKeeper(s, cfg.Keeper, cfg.Logger.Named("keeper"))
		if err != nil {
			return nil, err
		}
		s.keeper = k
	}
	return s, nil
}

// Engine exposes the underlying engine for read-only use.
func (s *Service) Engine() *vault.Engine { return s.engine }

// Metrics returns the collector.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Keeper returns the keeper, or nil when it is disabled.
func (s *Service) Keeper() *Keeper { return s.keeper }

// Notary returns the notary bridge, or nil when notarization is disabled.
func (s *Service) Notary() *notary.Bridge { return s.notary }
