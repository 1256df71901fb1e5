package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// source yields the next job, blocking until one is available or ctx ends.
// ok is false when no job was taken.
type source interface {
	next(ctx context.Context) (job Job, ok bool, err error)
}

// pool manages the worker goroutines shared by every queue backend.
type pool struct {
	opts    options
	src     source
	limiter *rate.Limiter

	mu      sync.Mutex
	started bool
	closed  bool
	handler Handler
	stop    context.CancelFunc
	stopCtx context.Context
	wg      sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

func newPool(src source, opts options) *pool {
	p := &pool{
		opts:   opts,
		src:    src,
		active: make(map[string]context.CancelFunc),
	}
	if opts.rateLimit > 0 {
		burst := opts.rateBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.rateLimit), burst)
	}
	p.stopCtx, p.stop = context.WithCancel(context.Background())
	return p
}

func (p *pool) start(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return errors.New("queue: already started")
	}
	p.started = true
	p.handler = h

	p.opts.logger.Info("worker pool starting", slog.Int("concurrency", p.opts.concurrency))
	for range p.opts.concurrency {
		p.wg.Add(1)
		go p.loop()
	}
	return nil
}

func (p *pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pool) loop() {
	defer p.wg.Done()
	for {
		if p.stopCtx.Err() != nil {
			return
		}
		job, ok, err := p.src.next(p.stopCtx)
		if err != nil {
			if p.stopCtx.Err() != nil {
				return
			}
			p.opts.logger.Error("dequeue error", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(p.stopCtx); err != nil {
				p.opts.logger.Warn("job dropped at shutdown", slog.String("run_id", job.RunID))
				return
			}
		}
		p.run(job)
	}
}

func (p *pool) run(job Job) {
	ctx, cancel := context.WithCancel(context.Background())
	p.activeMu.Lock()
	p.active[job.RunID] = cancel
	p.activeMu.Unlock()

	defer func() {
		p.activeMu.Lock()
		delete(p.active, job.RunID)
		p.activeMu.Unlock()
		cancel()
	}()

	if err := p.handler(ctx, job); err != nil {
		p.opts.logger.Debug("job execution failed",
			slog.String("job_id", job.ID),
			slog.String("run_id", job.RunID),
			slog.String("error", err.Error()),
		)
	}
}

// cancelActive cancels the running job for runID, if any.
func (p *pool) cancelActive(runID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	cancel, ok := p.active[runID]
	if ok {
		cancel()
	}
	return ok
}

func (p *pool) running() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *pool) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.opts.logger.Info("worker pool stopping")
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.opts.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.opts.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.activeMu.Lock()
		for _, cancel := range p.active {
			cancel()
		}
		p.activeMu.Unlock()
		<-done
	}
	return nil
}
