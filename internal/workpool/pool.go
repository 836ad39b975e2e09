// Package workpool is the thread pool / work tracker collaborator
// (spec §2 item 10, §4.9).  It is strictly an optimization: prefetch
// and write-back submissions may be dropped on Close, and no archive
// operation's correctness depends on a submitted task ever running.
package workpool

import (
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Pool submits fire-and-forget or joinable background work.  Grounded
// on the teacher's ad-hoc "go func() { ...; wg.Done() }()" background
// worker (api.go, EnableSubTreePrecomputation) generalized into a
// fixed-size worker pool with a joinable WaitGroup per submission
// batch, the way PrivateKey.wg joins all background workers on Close.
type Pool interface {
	// Submit enqueues task for asynchronous execution.  It never
	// blocks past a short channel send; if the pool is shutting down,
	// the task is dropped.
	Submit(task func() error)

	// Wait blocks until every task submitted so far has completed, and
	// returns their aggregated errors (nil if all succeeded).
	Wait() error

	// Close stops accepting new work and signals the workers to exit.
	// It does not wait for a task that is already running, and tasks
	// still queued may be dropped.
	Close()
}

type pool struct {
	tasks   chan func() error
	wg      sync.WaitGroup
	mu      sync.Mutex
	errs    *multierror.Error
	closing chan struct{}
	once    sync.Once
}

// New returns a Pool backed by n goroutines.  n<=0 guesses
// runtime.NumCPU(), mirroring the teacher's Context.Threads "0 means
// guess an appropriate number" convention.
func New(n int) Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &pool{
		tasks:   make(chan func() error, n*4),
		closing: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			err := task()
			if err != nil {
				p.mu.Lock()
				p.errs = multierror.Append(p.errs, err)
				p.mu.Unlock()
			}
			p.wg.Done()
		case <-p.closing:
			return
		}
	}
}

func (p *pool) Submit(task func() error) {
	p.wg.Add(1)
	select {
	case p.tasks <- task:
	case <-p.closing:
		p.wg.Done()
	}
}

func (p *pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.errs.ErrorOrNil()
	p.errs = nil
	return err
}

func (p *pool) Close() {
	p.once.Do(func() { close(p.closing) })
}

// Inline runs every submission synchronously on the calling goroutine.
// Useful for tests and for callers that want deterministic ordering.
type inlinePool struct {
	errs *multierror.Error
}

// NewInline returns a Pool that executes submissions immediately.
func NewInline() Pool { return &inlinePool{} }

func (p *inlinePool) Submit(task func() error) {
	if err := task(); err != nil {
		p.errs = multierror.Append(p.errs, err)
	}
}

func (p *inlinePool) Wait() error {
	err := p.errs.ErrorOrNil()
	p.errs = nil
	return err
}

func (p *inlinePool) Close() {}
