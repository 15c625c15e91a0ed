package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingDrain считает проходы и максимальное число одновременных проходов
type blockingDrain struct {
	release  chan struct{}
	started  chan struct{}
	calls    atomic.Int32
	active   atomic.Int32
	maxInUse atomic.Int32
}

func newBlockingDrain() *blockingDrain {
	return &blockingDrain{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (d *blockingDrain) Drain(ctx context.Context) error {
	n := d.active.Add(1)
	for {
		cur := d.maxInUse.Load()
		if n <= cur || d.maxInUse.CompareAndSwap(cur, n) {
			break
		}
	}
	d.calls.Add(1)
	d.started <- struct{}{}
	<-d.release
	d.active.Add(-1)
	return nil
}

func TestScheduler_SingleFlightWithRerun(t *testing.T) {
	d := newBlockingDrain()
	s := New(d.Drain, testLogger())
	defer s.Stop()

	require.True(t, s.Trigger("first"))
	<-d.started

	// Несколько триггеров во время прохода сливаются в один повтор
	for i := 0; i < 5; i++ {
		require.True(t, s.Trigger("burst"))
	}

	close(d.release)
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, int32(2), d.calls.Load())
	assert.Equal(t, int32(1), d.maxInUse.Load())
	assert.Equal(t, uint64(2), s.Runs())
}

func TestScheduler_Offline(t *testing.T) {
	var calls atomic.Int32
	s := New(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, testLogger())
	defer s.Stop()

	assert.True(t, s.SetOnline(false))
	assert.False(t, s.SetOnline(false))
	assert.False(t, s.Online())

	assert.False(t, s.Trigger("tick"))
	require.ErrorIs(t, s.RunNow(context.Background()), ErrOffline)
	assert.Zero(t, calls.Load())

	// Появление сети запускает проход
	assert.True(t, s.SetOnline(true))
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_RunNowReturnsDrainError(t *testing.T) {
	boom := errors.New("boom")
	s := New(func(ctx context.Context) error { return boom }, testLogger())
	defer s.Stop()

	require.ErrorIs(t, s.RunNow(context.Background()), boom)
}

func TestScheduler_Ticks(t *testing.T) {
	var calls atomic.Int32
	s := New(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, testLogger())

	require.NoError(t, s.Start(context.Background(), 10*time.Millisecond))
	require.ErrorIs(t, s.Start(context.Background(), time.Second), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no drains after Stop")

	assert.False(t, s.Trigger("late"))
	require.ErrorIs(t, s.RunNow(context.Background()), ErrStopped)
	require.ErrorIs(t, s.Start(context.Background(), time.Second), ErrStopped)
}

func TestScheduler_StopWaitsForInFlightDrain(t *testing.T) {
	d := newBlockingDrain()
	s := New(d.Drain, testLogger())

	require.True(t, s.Trigger("first"))
	<-d.started
	require.True(t, s.Trigger("rerun"))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a drain was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(d.release)
	<-stopped

	// Повтор после Stop не выполняется
	assert.Equal(t, int32(1), d.calls.Load())
}
