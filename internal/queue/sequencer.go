// Package queue provides the intake sequencer: an unbounded FIFO drained
// by exactly one consumer goroutine, so signals dispatch strictly in
// arrival order and never concurrently.
package queue

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sequencer queues items of type T for single-consumer processing.
// Enqueue never blocks and is safe from any goroutine.
type Sequencer[T any] struct {
	logger *logrus.Logger

	mu    sync.Mutex
	items []T

	// wake has capacity 1: a pending wakeup is enough, extra enqueues
	// while the consumer is busy need no further signal.
	wake chan struct{}

	// OnDepth, when set, observes the queue depth after every change.
	OnDepth func(depth int)

	// Gap, when set, is drawn before every item after the first; the
	// consumer waits until that much time has passed since the previous
	// item finished. This spaces consecutive signals on the broker side.
	Gap func() time.Duration
}

// New builds an empty sequencer.
func New[T any](logger *logrus.Logger) *Sequencer[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sequencer[T]{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends an item. The queue is unbounded; intake backpressure is
// handled upstream by the HTTP layer accepting and returning immediately.
func (s *Sequencer[T]) Enqueue(item T) {
	s.mu.Lock()
	s.items = append(s.items, item)
	depth := len(s.items)
	s.mu.Unlock()

	if s.OnDepth != nil {
		s.OnDepth(depth)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Depth reports the number of queued items.
func (s *Sequencer[T]) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Sequencer[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	item := s.items[0]
	s.items[0] = zero // release the reference
	s.items = s.items[1:]
	if s.OnDepth != nil {
		s.OnDepth(len(s.items))
	}
	return item, true
}

// Run drains the queue with handler until ctx is cancelled. This is the
// single consumer: call Run from exactly one goroutine. A handler panic
// is logged and the next item processed; one poisoned signal must not
// stop the pipeline.
func (s *Sequencer[T]) Run(ctx context.Context, handler func(context.Context, T)) error {
	var lastDone time.Time
	for {
		item, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		if s.Gap != nil && !lastDone.IsZero() {
			if err := s.waitUntil(ctx, lastDone.Add(s.Gap())); err != nil {
				return err
			}
		}
		s.process(ctx, handler, item)
		lastDone = time.Now()

		// Between items, honor cancellation promptly.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Sequencer[T]) waitUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Sequencer[T]) process(ctx context.Context, handler func(context.Context, T), item T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("signal handler panicked, continuing with next item")
		}
	}()
	handler(ctx, item)
}
