package orch

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T, l *Loop) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestLoopRunsInOrderAndSurvivesPanics(t *testing.T) {
	l := NewLoop(clock.NewMock(), 8)
	runLoop(t, l)

	var got []int
	l.Post(func() { got = append(got, 1) })
	l.Post(func() { panic("boom") })
	l.Post(func() { got = append(got, 2) })
	require.NoError(t, l.Call(context.Background(), func() { got = append(got, 3) }))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestGoPostsContinuation(t *testing.T) {
	l := NewLoop(clock.NewMock(), 8)
	runLoop(t, l)

	resumed := make(chan bool, 1)
	l.Go(func(ctx context.Context) func() {
		return func() { resumed <- ctx.Err() == nil }
	})
	select {
	case ok := <-resumed:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestAfterFuncRunsOnLoopAndCanBeStopped(t *testing.T) {
	clk := clock.NewMock()
	l := NewLoop(clk, 8)
	runLoop(t, l)

	fired := make(chan string, 2)
	l.AfterFunc(time.Second, func() { fired <- "kept" })
	stopped := l.AfterFunc(time.Second, func() { fired <- "stopped" })
	require.True(t, stopped.Stop())

	clk.Add(time.Second)
	select {
	case name := <-fired:
		assert.Equal(t, "kept", name)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.Empty(t, fired)
}

func TestPostAfterStop(t *testing.T) {
	l := NewLoop(clock.NewMock(), 1)
	cancel := runLoop(t, l)
	cancel()

	require.Eventually(t, func() bool { return !l.Post(func() {}) }, time.Second, time.Millisecond)
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrLoopStopped)
}
