// Package strand provides a run-to-completion serial executor. A strand
// owns exactly one goroutine; work posted to it executes in FIFO order and
// never concurrently. Components confine their state to a strand instead of
// locking it.
package strand

import (
	"sync"

	"github.com/bitchase/bitchase/libs/log"
)

// Strand serializes posted functions on a single goroutine. Posting never
// blocks the caller; the queue is unbounded so a handler may safely post to
// its own strand.
type Strand struct {
	name   string
	logger log.Logger

	mtx     sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	done chan struct{}
}

// New creates a started strand.
func New(logger log.Logger, name string) *Strand {
	s := &Strand{
		name:   name,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mtx)

	go s.run()
	return s
}

// Post enqueues f for serialized execution. It reports false, without
// enqueuing, once the strand has stopped.
func (s *Strand) Post(f func()) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.stopped {
		return false
	}

	s.queue = append(s.queue, f)
	s.cond.Signal()
	return true
}

// Stop prevents further posts and stops the goroutine after the queue
// drains.
func (s *Strand) Stop() {
	s.mtx.Lock()
	if s.stopped {
		s.mtx.Unlock()
		return
	}
	s.stopped = true
	s.cond.Signal()
	s.mtx.Unlock()
}

// Wait blocks until the strand's goroutine has exited.
func (s *Strand) Wait() { <-s.done }

func (s *Strand) run() {
	defer close(s.done)

	for {
		s.mtx.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}

		if len(s.queue) == 0 && s.stopped {
			s.mtx.Unlock()
			return
		}

		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mtx.Unlock()

		s.invoke(f)
	}
}

func (s *Strand) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in strand handler", "strand", s.name,
				"panic", r)
		}
	}()

	f()
}
