package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
)

var ErrLoopStopped = errors.New("event loop stopped")

const defaultQueue = 1024

// Loop runs closures one at a time in FIFO order. Everything the
// orchestrator owns is touched only from inside a closure.
type Loop struct {
	clk   clock.Clock
	tasks chan func()
	done  chan struct{}

	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup
	stopOnce   sync.Once
}

var _ core.Scheduler = (*Loop)(nil)

func NewLoop(clk clock.Clock, queue int) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		clk:        clk,
		tasks:      make(chan func(), queue),
		done:       make(chan struct{}),
		workCtx:    ctx,
		cancelWork: cancel,
	}
}

// Run executes posted closures until ctx is done. In-flight Go work is
// cancelled and waited for before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Str("module", "orch.loop").Msg("event loop started")
	defer func() {
		l.stop()
		l.workers.Wait()
		log.Info().Str("module", "orch.loop").Msg("event loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.cancelWork()
	})
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "orch.loop").Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()
	fn()
}

// Post queues fn and reports false once the loop has stopped. It blocks
// while the queue is full, so it must not be called from the loop itself.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go runs work on its own goroutine and posts the continuation it returns.
func (l *Loop) Go(work func(ctx context.Context) func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		if next := work(l.workCtx); next != nil {
			l.Post(next)
		}
	}()
}

// AfterFunc posts fn to the loop once d has elapsed on the loop's clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) core.Timer {
	return l.clk.AfterFunc(d, func() { l.Post(fn) })
}

func (l *Loop) Now() time.Time { return l.clk.Now() }

func (l *Loop) Clock() clock.Clock { return l.clk }
