package notary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/yield_vault/pkg/logger"
)

const (
	DefaultBuffer        = 4096
	DefaultBatchSize     = 64
	DefaultFlushInterval = 10 * time.Second
	DefaultTimeout       = 15 * time.Second
)

// ReceiptFunc is called once per decision for every reference a sink returns.
type ReceiptFunc func(ctx context.Context, seq uint64, ref string) error

// Recorder receives bridge telemetry.
type Recorder interface {
	RecordNotaryBatch(sink string, err error)
	RecordNotaryDropped()
}

// Config configures a Bridge.
type Config struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	// RatePerSecond limits sink submissions; zero means unlimited.
	RatePerSecond float64
	Burst         int
	SealKey       []byte
	KeyVersion    string
	Now           func() time.Time
}

type pending struct {
	sink  Sink
	batch Batch
}

// Bridge batches decisions and publishes them to sinks in the background.
type Bridge struct {
	cfg       Config
	sinks     []Sink
	onReceipt ReceiptFunc
	recorder  Recorder
	log       *logger.Logger
	limiter   *rate.Limiter

	queue   chan Entry
	stopCh  chan struct{}
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Uint64
	sealed  atomic.Uint64
	wg      sync.WaitGroup

	// retries is only touched by the run goroutine.
	retries []pending
}

// NewBridge creates a bridge. Start must be called before decisions are
// published; Submit before Start queues them.
func NewBridge(cfg Config, sinks []Sink, onReceipt ReceiptFunc, recorder Recorder, log *logger.Logger) (*Bridge, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("at least one sink is required")
	}
	if len(cfg.SealKey) == 0 {
		return nil, fmt.Errorf("seal key is required")
	}
	if cfg.KeyVersion == "" {
		cfg.KeyVersion = "v1"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Bridge{
		cfg:       cfg,
		sinks:     sinks,
		onReceipt: onReceipt,
		recorder:  recorder,
		log:       log,
		limiter:   rate.NewLimiter(limit, burst),
		queue:     make(chan Entry, cfg.Buffer),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the publishing loop.
func (b *Bridge) Start() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.wg.Add(1)
		go b.run()
	})
}

// Stop flushes what is queued and waits for the loop to exit.
func (b *Bridge) Stop(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notary stop: %w", ctx.Err())
	}
}

// Submit enqueues a decision. It never blocks; entries are dropped when the
// queue is full or the bridge is stopped.
func (b *Bridge) Submit(seq uint64, integrityHash string) bool {
	if b == nil || b.stopped.Load() {
		return false
	}
	select {
	case b.queue <- Entry{Seq: seq, Hash: integrityHash}:
		return true
	default:
		b.dropped.Add(1)
		if b.recorder != nil {
			b.recorder.RecordNotaryDropped()
		}
		return false
	}
}

// Dropped returns how many entries were dropped.
func (b *Bridge) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Sealed returns how many batches were sealed.
func (b *Bridge) Sealed() uint64 {
	if b == nil {
		return 0
	}
	return b.sealed.Load()
}

func (b *Bridge) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	var buf []Entry
	for {
		select {
		case e := <-b.queue:
			buf = append(buf, e)
			if len(buf) >= b.cfg.BatchSize {
				b.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			b.flush(buf)
			buf = nil
		case <-b.stopCh:
			buf = b.drain(buf)
			for {
				n := min(len(buf), b.cfg.BatchSize)
				b.flush(buf[:n])
				buf = buf[n:]
				if len(buf) == 0 {
					return
				}
			}
		}
	}
}

func (b *Bridge) drain(buf []Entry) []Entry {
	for {
		select {
		case e := <-b.queue:
			buf = append(buf, e)
		default:
			return buf
		}
	}
}

func (b *Bridge) flush(entries []Entry) {
	retries := b.retries
	b.retries = nil
	for _, p := range retries {
		b.publish(p.sink, p.batch, true)
	}

	if len(entries) == 0 {
		return
	}
	batch, err := NewBatch(uuid.NewString(), b.cfg.Now(), entries, b.cfg.SealKey, b.cfg.KeyVersion)
	if err != nil {
		b.log.WithError(err).WithField("entries", len(entries)).Error("seal notary batch")
		return
	}
	b.sealed.Add(1)
	for _, sink := range b.sinks {
		b.publish(sink, batch, false)
	}
}

func (b *Bridge) publish(sink Sink, batch Batch, retried bool) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	fields := map[string]interface{}{
		"sink":      sink.Name(),
		"batch_id":  batch.ID,
		"first_seq": batch.First(),
		"last_seq":  batch.Last(),
	}

	err := b.limiter.Wait(ctx)
	var ref string
	if err == nil {
		ref, err = sink.Publish(ctx, batch)
	}
	if b.recorder != nil {
		b.recorder.RecordNotaryBatch(sink.Name(), err)
	}
	if err != nil {
		if retried {
			b.log.WithError(err).WithFields(fields).Error("notary batch dropped after retry")
			return
		}
		b.log.WithError(err).WithFields(fields).Warn("notary publish failed, will retry")
		b.retries = append(b.retries, pending{sink: sink, batch: batch})
		return
	}

	b.log.WithFields(fields).WithField("ref", ref).Info("notary batch published")
	if b.onReceipt == nil {
		return
	}
	for _, e := range batch.Entries {
		if err := b.onReceipt(ctx, e.Seq, ref); err != nil {
			b.log.WithError(err).WithFields(fields).WithField("seq", e.Seq).Error("attach notary receipt")
		}
	}
}
