package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clesyde/lyvo/core/logger"
)

// ErrLoopClosed is returned when a job is submitted to a closed loop
var ErrLoopClosed = errors.New("event loop is closed")

// Loop is the single cooperative event loop of the host. Jobs run one after
// another on one goroutine, in the order they were submitted.
//
// Do and Close must not be called from a job, they would wait for themselves.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop creates and starts a new event loop
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Call schedules job on the loop and returns immediately. It returns false
// if the loop is already closed.
func (l *Loop) Call(job func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do schedules job on the loop and waits until it has run. Since the loop is
// FIFO, all jobs submitted before have run as well when Do returns.
func (l *Loop) Do(ctx context.Context, job func()) error {
	finished := make(chan struct{})
	if !l.Call(func() {
		defer close(finished)
		job()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier waits until all jobs submitted so far have run.
func (l *Loop) Barrier(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Close stops accepting new jobs, runs the ones already queued and
// waits for the loop goroutine to end.
func (l *Loop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	return nil
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		job := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if err := runWithPanicEnvelope(job); err != nil {
			logger.Component("loop").WithError(err).Errorln("job failed")
		}
	}
}

func runWithPanicEnvelope(job func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	job()
	return
}
