package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jo-hoe/bulkingest/internal/common"
)

var (
	// ErrPoolSaturated is returned when the queue is full and every burst slot is taken.
	// Submission never blocks waiting for capacity.
	ErrPoolSaturated = errors.New("worker pool saturated")

	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStopped    = errors.New("worker pool stopped")
)

// DefaultBurstIdleTimeout is how long a burst worker waits for more work before exiting.
const DefaultBurstIdleTimeout = 30 * time.Second

// WorkItem is one job's processing task. Run executes on a single worker
// from start to finish.
type WorkItem struct {
	JobID string
	Run   func(ctx context.Context)
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	CoreWorkers      int
	MaxWorkers       int
	QueueCapacity    int
	BurstIdleTimeout time.Duration
}

// PoolStatus is a point-in-time view of pool occupancy.
type PoolStatus struct {
	Workers       int `json:"workers"`
	Busy          int `json:"busy"`
	Queued        int `json:"queued"`
	QueueCapacity int `json:"queueCapacity"`
	CoreWorkers   int `json:"coreWorkers"`
	MaxWorkers    int `json:"maxWorkers"`
}

// Pool is a bounded worker pool. Core workers start with the pool and stay
// warm; when the queue is full, up to MaxWorkers-CoreWorkers burst workers
// are started and exit again after BurstIdleTimeout without work.
type Pool struct {
	log      *slog.Logger
	cfg      PoolConfig
	ch       chan WorkItem
	burst    *semaphore.Weighted
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	started  bool
	stopped  bool
	workers  atomic.Int32
	busy     atomic.Int32
}

// NewPool creates a Pool; non-positive sizes fall back to defaults.
func NewPool(logger *slog.Logger, cfg PoolConfig) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.CoreWorkers <= 0 {
		cfg.CoreWorkers = common.DefaultCoreWorkers
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.BurstIdleTimeout <= 0 {
		cfg.BurstIdleTimeout = DefaultBurstIdleTimeout
	}
	p := &Pool{
		log: logger,
		cfg: cfg,
		ch:  make(chan WorkItem, cfg.QueueCapacity),
	}
	if extra := cfg.MaxWorkers - cfg.CoreWorkers; extra > 0 {
		p.burst = semaphore.NewWeighted(int64(extra))
	}
	return p
}

// Start launches the core workers. Tasks receive a context derived from ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.CoreWorkers; i++ {
		p.wg.Add(1)
		p.workers.Add(1)
		go p.coreWorker(i)
	}
	p.started = true
	return nil
}

func (p *Pool) coreWorker(idx int) {
	defer p.wg.Done()
	defer p.workers.Add(-1)
	log := p.log.With("worker", idx)
	for {
		select {
		case <-p.ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-p.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			p.run(log, item)
		}
	}
}

// burstWorker runs first, then keeps draining the queue until it has been
// idle for BurstIdleTimeout.
func (p *Pool) burstWorker(first WorkItem) {
	defer p.wg.Done()
	defer p.burst.Release(1)
	defer p.workers.Add(-1)
	log := p.log.With("worker", "burst")
	p.run(log, first)

	idle := time.NewTimer(p.cfg.BurstIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-idle.C:
			log.Debug("burst worker idle, exiting")
			return
		case item, ok := <-p.ch:
			if !ok {
				return
			}
			p.run(log, item)
			idle.Reset(p.cfg.BurstIdleTimeout)
		}
	}
}

func (p *Pool) run(log *slog.Logger, item WorkItem) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	jobLog := log.With("job_id", item.JobID)
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			jobLog.Error("job task panicked", "panic", rec, "duration", time.Since(start))
		}
	}()
	jobLog.Debug("processing job")
	item.Run(p.ctx)
	jobLog.Debug("job task returned", "duration", time.Since(start))
}

// Submit hands item to the pool without blocking. It returns ErrPoolSaturated
// when the queue is full and no burst worker can be started.
func (p *Pool) Submit(item WorkItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.ch <- item:
		return nil
	default:
	}
	if p.burst != nil && p.burst.TryAcquire(1) {
		p.wg.Add(1)
		p.workers.Add(1)
		go p.burstWorker(item)
		return nil
	}
	return ErrPoolSaturated
}

// Status reports current occupancy.
func (p *Pool) Status() PoolStatus {
	return PoolStatus{
		Workers:       int(p.workers.Load()),
		Busy:          int(p.busy.Load()),
		Queued:        len(p.ch),
		QueueCapacity: cap(p.ch),
		CoreWorkers:   p.cfg.CoreWorkers,
		MaxWorkers:    p.cfg.MaxWorkers,
	}
}

// Shutdown stops accepting work and lets workers drain the queue. If the
// deadline passes first, the task context is cancelled and Shutdown returns.
func (p *Pool) Shutdown(deadline time.Duration) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		close(p.ch)
		p.mu.Unlock()
		if !started {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			p.cancel()
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			p.log.Warn("pool shutdown deadline reached; cancelling running jobs", "busy", p.busy.Load())
		}
		p.cancel()
	})
}
