// Package main runs the yield vault daemon: the vault service plus an ops
// listener serving metrics, health and read-only audit queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/R3E-Network/yield_vault/internal/config"
	"github.com/R3E-Network/yield_vault/internal/lock"
	"github.com/R3E-Network/yield_vault/internal/metrics"
	"github.com/R3E-Network/yield_vault/internal/notary"
	"github.com/R3E-Network/yield_vault/internal/storage"
	"github.com/R3E-Network/yield_vault/internal/storage/memory"
	"github.com/R3E-Network/yield_vault/internal/storage/sqlstore"
	"github.com/R3E-Network/yield_vault/internal/vault"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
	"github.com/R3E-Network/yield_vault/pkg/logger"
	"github.com/R3E-Network/yield_vault/services/yieldvault"
)

func main() {
	configPath := flag.String("config", os.Getenv("VAULT_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	base, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := base.Named("vaultd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer store.Close()

	writerLock, closeLock := openWriterLock(cfg)
	defer closeLock()

	collector := metrics.NewCollector(cfg.Metrics.Namespace)

	sinks, err := notarySinks(ctx, cfg.Notary)
	if err != nil {
		log.WithError(err).Fatal("configure notary")
	}
	var notaryCfg notary.Config
	if len(sinks) > 0 {
		key, err := notary.DeriveSealKey([]byte(cfg.Notary.SealSeed), cfg.Notary.KeyVersion)
		if err != nil {
			log.WithError(err).Fatal("derive notary seal key")
		}
		notaryCfg = notary.Config{
			Buffer:        cfg.Notary.Buffer,
			BatchSize:     cfg.Notary.BatchSize,
			FlushInterval: cfg.Notary.FlushInterval,
			Timeout:       cfg.Notary.Timeout,
			RatePerSecond: cfg.Notary.RatePerSecond,
			Burst:         cfg.Notary.Burst,
			SealKey:       key,
			KeyVersion:    cfg.Notary.KeyVersion,
		}
	}

	svcCfg := yieldvault.Config{
		Engine: vault.Config{
			Owner:     cfg.Vault.Owner,
			Operators: cfg.Vault.Operators,
			PageCap:   cfg.Vault.PageCap,
		},
		Store:        store,
		Lock:         writerLock,
		LockTimeout:  cfg.Vault.LockTimeout,
		Metrics:      collector,
		Logger:       base.Named(yieldvault.ServiceID),
		Adapters:     simulatedAdapters(cfg.Adapters),
		NotarySinks:  sinks,
		NotaryConfig: notaryCfg,
	}
	if cfg.Keeper.Enabled {
		svcCfg.Keeper = yieldvault.KeeperConfig{
			Schedule:     cfg.Keeper.Schedule,
			Concurrency:  cfg.Keeper.Concurrency,
			VerifyRecent: cfg.Keeper.VerifyRecent,
		}
	}

	svc, err := yieldvault.New(svcCfg)
	if err != nil {
		log.WithError(err).Fatal("create vault service")
	}
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("start vault service")
	}

	server := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      newRouter(svc),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Metrics.ListenAddr).Info("ops listener started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("ops listener")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("ops listener shutdown")
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("vault service stop")
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres", "sqlite":
		s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		db := s.DB()
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openWriterLock(cfg *config.Config) (lock.WriterLock, func()) {
	if cfg.Vault.WriterLock != "redis" {
		return lock.NewLocal(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	l := lock.NewRedis(client, lock.RedisConfig{Key: cfg.Redis.LockKey, TTL: cfg.Redis.LockTTL})
	return l, func() { _ = client.Close() }
}

func notarySinks(ctx context.Context, cfg config.NotaryConfig) ([]notary.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var sinks []notary.Sink
	if cfg.Neo.RPCURL != "" {
		neo, err := notary.NewNeoSink(notary.NeoConfig{RPCURL: cfg.Neo.RPCURL, Method: cfg.Neo.Method, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, neo)
	}
	if cfg.Archive.Bucket != "" {
		client, err := notary.NewArchiveClient(ctx, notary.ArchiveConfig{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UsePathStyle:    cfg.Archive.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		archive, err := notary.NewArchiveSink(client, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, archive)
	}
	return sinks, nil
}

func simulatedAdapters(specs []config.AdapterConfig) []yieldvault.AdapterSpec {
	out := make([]yieldvault.AdapterSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, yieldvault.AdapterSpec{
			Adapter: strategy.NewSimulatedAdapter(s.Identity, s.YieldRate),
			Label:   s.Label,
			Active:  s.Active,
		})
	}
	return out
}
