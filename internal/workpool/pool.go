// Package workpool runs tasks on a fixed number of workers.
//
// Submit never blocks: when every worker is busy tasks wait in a FIFO
// queue. The queue is unbounded unless MaxQueue is set, which bounds
// concurrent work but not backlog under load.
package workpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("work queue full")
	ErrClosed    = errors.New("pool closed")
)

// Task runs on one worker. Tasks still queued when the pool shuts down
// are run with a cancelled context so they can release what they hold.
type Task func(ctx context.Context)

type Pool struct {
	workers  int
	maxQueue int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	busy   int
	closed bool
}

// New creates a pool of workers. maxQueue <= 0 leaves the queue unbounded.
func New(workers, maxQueue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers, maxQueue: maxQueue}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.maxQueue > 0 && len(p.queue) >= p.maxQueue {
		return ErrQueueFull
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// Run starts the workers and blocks until ctx is done and every task,
// queued ones included, has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for n := 0; n < p.workers; n++ {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		p.close()
		return nil
	})
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.busy++
		p.mu.Unlock()

		t(ctx)

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}
}

func (p *Pool) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Busy is the number of tasks currently running.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Queued is the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) Size() int { return p.workers }
