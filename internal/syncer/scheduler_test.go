package syncer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/imessage-relay/internal/syncer"
)

type cycleMock struct {
	RunFunc func(ctx context.Context) (*syncer.Result, error)
}

func (m *cycleMock) Run(ctx context.Context) (*syncer.Result, error) {
	return m.RunFunc(ctx)
}

func TestTickSkipsOverlappingCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := syncer.NewScheduler(&cycleMock{RunFunc: func(context.Context) (*syncer.Result, error) {
		close(started)
		<-release
		return &syncer.Result{Committed: true}, nil
	}}, time.Hour)

	type tickResult struct {
		res *syncer.Result
		err error
	}
	first := make(chan tickResult, 1)
	go func() {
		res, err := s.Tick(context.Background())
		first <- tickResult{res, err}
	}()

	<-started
	assert.True(t, s.Running())

	res, err := s.Tick(context.Background())
	require.ErrorIs(t, err, syncer.ErrCycleInProgress)
	assert.Nil(t, res)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.res.Committed)
	assert.False(t, s.Running())
}

func TestTickRecoversPanic(t *testing.T) {
	calls := 0
	s := syncer.NewScheduler(&cycleMock{RunFunc: func(context.Context) (*syncer.Result, error) {
		calls++
		if calls == 1 {
			panic("exporter output corrupt")
		}
		return &syncer.Result{}, nil
	}}, time.Hour)

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporter output corrupt")
	assert.False(t, s.Running())

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err, "scheduler keeps working after a panic")
}

func TestTickDetachesCycleFromCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var cycleErr error
	s := syncer.NewScheduler(&cycleMock{RunFunc: func(ctx context.Context) (*syncer.Result, error) {
		cycleErr = ctx.Err()
		return &syncer.Result{}, nil
	}}, time.Hour)

	_, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.NoError(t, cycleErr)
}

func TestTickReturnsCycleError(t *testing.T) {
	commitErr := errors.New("store.CommitBatch failed: disk full")
	s := syncer.NewScheduler(&cycleMock{RunFunc: func(context.Context) (*syncer.Result, error) {
		return &syncer.Result{CommitErr: commitErr}, commitErr
	}}, time.Hour)

	res, err := s.Tick(context.Background())
	require.ErrorIs(t, err, commitErr)
	assert.Equal(t, commitErr, res.CommitErr)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := syncer.NewScheduler(&cycleMock{RunFunc: func(context.Context) (*syncer.Result, error) {
		runs.Add(1)
		return &syncer.Result{}, nil
	}}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunWaitsForInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		once     sync.Once
		finished atomic.Bool
		runs     atomic.Int32
	)
	s := syncer.NewScheduler(&cycleMock{RunFunc: func(context.Context) (*syncer.Result, error) {
		runs.Add(1)
		once.Do(func() { close(started) })
		<-release
		finished.Store(true)
		return &syncer.Result{}, nil
	}}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-started
	// Let several ticks fire while the first cycle is still running.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight cycle finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	assert.True(t, finished.Load())
	assert.Equal(t, int32(1), runs.Load(), "overlapping ticks are skipped, not queued")
}
