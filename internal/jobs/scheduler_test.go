package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintenance struct {
	mu       sync.Mutex
	sweeps   int
	requeues []time.Duration
	err      error
}

func (f *fakeMaintenance) SweepTimedOut(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 2, f.err
}

func (f *fakeMaintenance) RequeuePending(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeues = append(f.requeues, olderThan)
	return 1, f.err
}

func TestSchedulerRunsHousekeeping(t *testing.T) {
	batch := &fakeMaintenance{}
	s := NewScheduler(batch, nil, zerolog.Nop())

	s.sweepTimedOut()
	s.requeuePending()

	assert.Equal(t, 1, batch.sweeps)
	assert.Equal(t, []time.Duration{requeueAfter}, batch.requeues)
}

func TestSchedulerSurvivesErrors(t *testing.T) {
	batch := &fakeMaintenance{err: errors.New("db down")}
	s := NewScheduler(batch, nil, zerolog.Nop())
	assert.NotPanics(t, s.sweepTimedOut)
	assert.NotPanics(t, s.requeuePending)
}

func TestSchedulerStartAndStop(t *testing.T) {
	s := NewScheduler(&fakeMaintenance{}, nil, zerolog.Nop())
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 2)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerWithoutBatchIsNoop(t *testing.T) {
	s := NewScheduler(nil, nil, zerolog.Nop())
	require.NoError(t, s.Start())
	assert.Empty(t, s.cron.Entries())
}
