package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virology-dashboard/backend/internal/logging"
)

func TestAdd_InvalidSpec(t *testing.T) {
	s := New(context.Background(), logging.Discard())
	err := s.Add("broken", "every now and then", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestRun_SkipsWhileRunning(t *testing.T) {
	s := New(context.Background(), logging.Discard())
	started := make(chan struct{})
	release := make(chan struct{})
	j := &job{name: "slow", fn: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}

	done := make(chan bool)
	go func() { done <- s.run(j) }()
	<-started

	assert.False(t, s.run(j))
	close(release)
	assert.True(t, <-done)
}

func TestRun_RecoversPanicAndErrors(t *testing.T) {
	s := New(context.Background(), logging.Discard())
	assert.True(t, s.run(&job{name: "panics", fn: func(ctx context.Context) error { panic("boom") }}))
	assert.True(t, s.run(&job{name: "fails", fn: func(ctx context.Context) error { return errors.New("nope") }}))

	// the guard is released after a panic
	j := &job{name: "again", fn: func(ctx context.Context) error { panic("boom") }}
	s.run(j)
	assert.True(t, s.run(j))
}

func TestStartStop(t *testing.T) {
	s := New(context.Background(), logging.Discard())
	var calls atomic.Int32
	var sawCancel atomic.Bool
	require.NoError(t, s.Every("tick", time.Second, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, s.Add("watch", "@every 1s", func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}))

	s.Start()
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, sawCancel.Load(), "stop cancels the job context")
}
