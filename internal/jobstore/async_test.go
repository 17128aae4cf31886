package jobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	states []domain.JobState
	block  chan struct{}
}

func (s *recordingSink) Handle(ctx context.Context, job domain.Job) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, job.State)
	if job.State == domain.StateFailed {
		return errors.New("sink unavailable")
	}
	return nil
}

func (s *recordingSink) seen() []domain.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobState(nil), s.states...)
}

func TestAsyncObserverKeepsOrder(t *testing.T) {
	sink := &recordingSink{}
	obs := NewAsyncObserver("test", sink, 16, time.Second)
	s := New(0, WithObserver(obs))

	job, err := s.Create(ocrParams())
	require.NoError(t, err)
	_, err = s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	require.NoError(t, err)
	_, err = s.Transition(job.ID, domain.StateFailed, domain.Outcome{Err: domain.ErrModelNotLoaded})
	require.NoError(t, err)

	require.NoError(t, obs.Close(context.Background()))
	assert.Equal(t, []domain.JobState{domain.StateQueued, domain.StateRunning, domain.StateFailed}, sink.seen())

	// closed observers ignore further changes
	obs.JobChanged(job)
	assert.Len(t, sink.seen(), 3)
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	obs := NewAsyncObserver("slow", sink, 1, time.Second)

	for range 5 {
		obs.JobChanged(domain.Job{ID: "x", State: domain.StateQueued})
	}
	assert.GreaterOrEqual(t, obs.Dropped(), int64(3))

	close(sink.block)
	require.NoError(t, obs.Close(context.Background()))
}
