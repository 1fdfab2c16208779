package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
	"github.com/BrandonDHaskell/antipassback/internal/metrics"
)

// ErrAuditClosed is returned by Append after Close.
var ErrAuditClosed = errors.New("audit writer closed")

// RecordSink accepts decision records for the audit log.
type RecordSink interface {
	Append(ctx context.Context, rec types.DecisionRecord) error
}

type AuditConfig struct {
	Queue int
	// MaxElapsed bounds the retries spent on one record.
	MaxElapsed     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// AuditWriter appends decision records on a background goroutine, retrying
// transient store failures.  Records are written in the order they were
// queued.
type AuditWriter struct {
	store   store.DecisionStore
	cfg     AuditConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan types.DecisionRecord

	// ctx is cancelled when a Close deadline passes; in-flight retries
	// then give up.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAuditWriter(st store.DecisionStore, cfg AuditConfig, log *zap.Logger, m *metrics.Metrics) *AuditWriter {
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &AuditWriter{
		store:   st,
		cfg:     cfg,
		log:     log,
		metrics: m,
		queue:   make(chan types.DecisionRecord, cfg.Queue),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Append queues rec.  It blocks while the queue is full, until ctx ends.
func (w *AuditWriter) Append(ctx context.Context, rec types.DecisionRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrAuditClosed
	}
	select {
	case w.queue <- rec:
		w.metrics.AuditQueueDepth(len(w.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records and waits for the queue to drain.  When ctx
// ends first, pending retries are abandoned and the remaining records are
// logged as lost.
func (w *AuditWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func (w *AuditWriter) loop() {
	defer close(w.done)
	defer w.cancel()
	for rec := range w.queue {
		w.metrics.AuditQueueDepth(len(w.queue))
		w.write(rec)
	}
}

func (w *AuditWriter) write(rec types.DecisionRecord) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialBackoff
	eb.MaxInterval = w.cfg.MaxBackoff
	eb.MaxElapsedTime = w.cfg.MaxElapsed

	err := backoff.RetryNotify(func() error {
		if err := w.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return w.store.Append(w.ctx, rec)
	}, backoff.WithContext(eb, w.ctx), func(err error, wait time.Duration) {
		w.metrics.AuditWriteFailed()
		w.log.Warn("audit append failed, retrying",
			zap.String("record_id", rec.RecordID), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		w.metrics.AuditRecordLost()
		w.log.Error("audit record lost", zap.Error(err), zap.Any("record", rec))
	}
}
