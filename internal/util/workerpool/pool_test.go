package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 10, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(Task{ID: "t", Fn: func(ctx context.Context) error {
			ran.Add(1)
			done <- struct{}{}
			return nil
		}}))
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(5), ran.Load())
	assert.Eventually(t, func() bool { return pool.Stats().CompletedTasks == 5 }, time.Second, time.Millisecond)
}

func TestWorkerPool_ReportsErrorsAndPanics(t *testing.T) {
	failures := make(chan error, 2)
	pool := NewWorkerPool(&Config{
		Name:        "test",
		MaxWorkers:  1,
		OnTaskError: func(_ Task, err error) { failures <- err },
	})
	defer pool.Stop(time.Second)

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(Task{ID: "err", Fn: func(context.Context) error { return boom }}))
	require.NoError(t, pool.Submit(Task{ID: "panic", Fn: func(context.Context) error { panic("bad") }}))

	assert.ErrorIs(t, <-failures, boom)
	assert.Contains(t, (<-failures).Error(), "panicked")
}

func TestWorkerPool_StopCancelsRunningTask(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1})

	started := make(chan struct{})
	exited := make(chan error, 1)
	require.NoError(t, pool.Submit(Task{ID: "long", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		exited <- ctx.Err()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, <-exited, context.Canceled)
	assert.Error(t, pool.Submit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer func() {
		close(block)
		pool.Stop(time.Second)
	}()

	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "a", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, pool.Submit(Task{ID: "b", Fn: func(context.Context) error { return nil }}))
	assert.Error(t, pool.Submit(Task{ID: "c", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
}
