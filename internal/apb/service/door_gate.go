package service

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/antipassback/internal/actuator"
	"github.com/BrandonDHaskell/antipassback/internal/metrics"
)

// HandleSource looks up live actuator handles.  *actuator.Manager
// implements it.
type HandleSource interface {
	Handle(terminalID string) (actuator.Handle, bool)
}

type DoorGateConfig struct {
	Workers      int
	Queue        int
	OpenDuration time.Duration
	// Timeout is added to OpenDuration to bound one job.
	Timeout time.Duration
}

type doorJob struct {
	terminalID string
	handle     actuator.Handle
}

// DoorGate runs door-open jobs on a fixed worker pool.  Dispatch never
// blocks the decision path.
type DoorGate struct {
	handles HandleSource
	cfg     DoorGateConfig
	clk     quartz.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan doorJob
	wg     sync.WaitGroup
}

func NewDoorGate(handles HandleSource, cfg DoorGateConfig, clk quartz.Clock, log *zap.Logger, m *metrics.Metrics) *DoorGate {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1
	}
	g := &DoorGate{
		handles: handles,
		cfg:     cfg,
		clk:     clk,
		log:     log,
		metrics: m,
		jobs:    make(chan doorJob, cfg.Queue),
	}
	for i := 0; i < cfg.Workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	return g
}

// Dispatch queues an open-hold-close job for terminalID.  It returns false
// when the terminal has no live handle, the queue is full, or the gate is
// closed.
func (g *DoorGate) Dispatch(terminalID string) bool {
	h, ok := g.handles.Handle(terminalID)
	if !ok {
		g.metrics.DoorDispatch("no_actuator")
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.metrics.DoorDispatch("closed")
		return false
	}
	select {
	case g.jobs <- doorJob{terminalID: terminalID, handle: h}:
		g.metrics.DoorDispatch("queued")
		return true
	default:
		g.metrics.DoorDispatch("queue_full")
		g.log.Warn("door queue full, open dropped", zap.String("terminal_id", terminalID))
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (g *DoorGate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.jobs)
	g.mu.Unlock()

	g.wg.Wait()
}

func (g *DoorGate) worker() {
	defer g.wg.Done()
	for j := range g.jobs {
		g.run(j)
	}
}

func (g *DoorGate) run(j doorJob) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpenDuration+g.cfg.Timeout)
	defer cancel()

	err := actuator.Pulse(ctx, g.clk, j.handle, g.cfg.OpenDuration)
	g.metrics.DoorJob(j.terminalID, err)
	if err != nil {
		g.log.Error("door actuation failed", zap.String("terminal_id", j.terminalID), zap.Error(err))
		return
	}
	g.log.Debug("door cycled", zap.String("terminal_id", j.terminalID))
}
