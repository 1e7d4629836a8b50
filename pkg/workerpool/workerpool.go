package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/cenkalti/backoff/v4"
)

const (
	TotalMaxWorkers = 10
	maxAttempts     = 3
)

var ErrPoolStopped = errors.New("worker pool is shutting down")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
	// Retry decides whether a failed attempt is tried again. Nil means
	// every error is retried.
	Retry func(error) bool
}

type Pool[T any] struct {
	jobs          chan Job[T]
	slots         chan struct{}
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	maxWorkers    int
	newBackOff    func() backoff.BackOff
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		slots:      make(chan struct{}, maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
	}
	pool.wg.Add(1)
	go pool.dispatch()
	return pool
}

// WithBackOff replaces the retry schedule; used by tests to avoid sleeping.
func (p *Pool[T]) WithBackOff(fn func() backoff.BackOff) *Pool[T] {
	p.newBackOff = fn
	return p
}

// Stop rejects new jobs and waits for running ones. Queued jobs that have not
// started are dropped after their cleanup runs.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		for {
			select {
			case job := <-p.jobs:
				if job.CleanupFunc != nil {
					job.CleanupFunc()
				}
			default:
				return
			}
		}
	})
}

func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)
	select {
	case <-p.quit:
		logger.Info("worker pool is shutting down, job rejected")
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- job:
		logger.Debug("job submitted", lg.Any("job", job.Payload))
		return nil
	case <-p.quit:
		logger.Info("worker pool is shutting down, job rejected")
		return ErrPoolStopped
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

func (p *Pool[T]) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case p.slots <- struct{}{}:
		}
		select {
		case job := <-p.jobs:
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			<-p.slots
			return
		}
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Debug("worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	attempts := 0
	op := func() error {
		attempts++
		err := job.Fn(job.Ctx, job.Payload)
		if err != nil && job.Retry != nil && !job.Retry(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Warn("attempt failed", lg.Int("attempt", attempts), lg.Err(err))
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), maxAttempts-1), job.Ctx)

	switch err := backoff.Retry(op, b); {
	case err == nil:
		logger.Debug("worker finished", lg.Int("attempts", attempts))
	case job.Ctx.Err() != nil:
		logger.Info("job canceled", lg.Err(job.Ctx.Err()))
	default:
		logger.Error("job failed", lg.Int("attempts", attempts), lg.Err(fmt.Errorf("failed after %d attempts: %w", attempts, err)))
	}
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
