package jobstore

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func ocrParams() domain.CreateJobParams {
	return domain.CreateJobParams{
		Modality: domain.ModalityOCR,
		Inputs:   []domain.Input{{Name: "scan.png", Path: "/tmp/scan.png"}},
	}
}

func okResult() *domain.Result {
	return &domain.Result{Recognition: &domain.Recognition{Text: "hello"}}
}

func TestCreateAndGet(t *testing.T) {
	clock := newClock()
	s := New(0, WithClock(clock.Now))

	job, err := s.Create(ocrParams())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.StateQueued, job.State)
	assert.Equal(t, clock.Now(), job.CreatedAt)

	got, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, s.Len())

	_, err = s.Job("missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCreateRejectsBadParams(t *testing.T) {
	s := New(0)

	_, err := s.Create(domain.CreateJobParams{Modality: "video", Inputs: []domain.Input{{}}})
	assert.Equal(t, domain.KindInput, domain.KindOf(err))

	_, err = s.Create(domain.CreateJobParams{Modality: domain.ModalityASR})
	assert.Equal(t, domain.KindInput, domain.KindOf(err))
}

func TestCreateCapacity(t *testing.T) {
	s := New(2)

	first, err := s.Create(ocrParams())
	require.NoError(t, err)
	_, err = s.Create(ocrParams())
	require.NoError(t, err)

	_, err = s.Create(ocrParams())
	assert.ErrorIs(t, err, domain.ErrStoreFull)
	assert.Equal(t, domain.KindResourceExhausted, domain.KindOf(err))

	// expiring a job frees its place
	_, err = s.Transition(first.ID, domain.StateRunning, domain.Outcome{})
	require.NoError(t, err)
	_, err = s.Transition(first.ID, domain.StateFailed, domain.Outcome{Err: domain.InputError(domain.CodeCorruptInput, "bad")})
	require.NoError(t, err)
	require.Len(t, s.Reap(-time.Second), 1)

	_, err = s.Create(ocrParams())
	assert.NoError(t, err)
}

func TestTransitionLifecycle(t *testing.T) {
	clock := newClock()
	s := New(0, WithClock(clock.Now))
	job, err := s.Create(ocrParams())
	require.NoError(t, err)

	clock.Advance(time.Second)
	running, err := s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, running.State)
	assert.Equal(t, clock.Now(), running.StartedAt)
	assert.True(t, running.CompletedAt.IsZero())

	clock.Advance(time.Second)
	done, err := s.Transition(job.ID, domain.StateSucceeded, domain.Outcome{Result: okResult()})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, done.State)
	assert.Equal(t, clock.Now(), done.CompletedAt)
	assert.NotNil(t, done.Result)
	assert.Nil(t, done.Error)
}

func TestTransitionRejectsInvalidEdges(t *testing.T) {
	s := New(0)
	job, err := s.Create(ocrParams())
	require.NoError(t, err)

	_, err = s.Transition(job.ID, domain.StateSucceeded, domain.Outcome{Result: okResult()})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Transition(job.ID, domain.StateExpired, domain.Outcome{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Transition("missing", domain.StateRunning, domain.Outcome{})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSecondStartIsRejectedWithoutSideEffects(t *testing.T) {
	s := New(0)
	job, err := s.Create(ocrParams())
	require.NoError(t, err)

	first, err := s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	require.NoError(t, err)

	_, err = s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))

	after, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, after)
}

func TestTerminalPayloadIsExclusive(t *testing.T) {
	s := New(0)
	job, err := s.Create(ocrParams())
	require.NoError(t, err)
	_, err = s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	require.NoError(t, err)

	both := domain.Outcome{Result: okResult(), Err: domain.ErrModelNotLoaded}
	_, err = s.Transition(job.ID, domain.StateSucceeded, both)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.Transition(job.ID, domain.StateFailed, both)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.Transition(job.ID, domain.StateSucceeded, domain.Outcome{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	failed, err := s.Transition(job.ID, domain.StateFailed, domain.Outcome{Err: domain.ErrModelNotLoaded})
	require.NoError(t, err)
	assert.Nil(t, failed.Result)
	assert.NotNil(t, failed.Error)

	_, err = s.Transition(job.ID, domain.StateSucceeded, domain.Outcome{Result: okResult()})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReapOnlyTerminalJobsOlderThanMaxAge(t *testing.T) {
	clock := newClock()
	s := New(0, WithClock(clock.Now))

	queued, _ := s.Create(ocrParams())
	running, _ := s.Create(ocrParams())
	oldDone, _ := s.Create(ocrParams())
	freshDone, _ := s.Create(ocrParams())

	for _, id := range []string{running.ID, oldDone.ID, freshDone.ID} {
		_, err := s.Transition(id, domain.StateRunning, domain.Outcome{})
		require.NoError(t, err)
	}
	_, err := s.Transition(oldDone.ID, domain.StateSucceeded, domain.Outcome{Result: okResult()})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = s.Transition(freshDone.ID, domain.StateSucceeded, domain.Outcome{Result: okResult()})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	reaped := s.Reap(30 * time.Minute)
	require.Len(t, reaped, 1)
	assert.Equal(t, oldDone.ID, reaped[0].ID)
	assert.NotNil(t, reaped[0].Result, "snapshot keeps payload for cleanup")

	expired, err := s.Job(oldDone.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, expired.State)
	assert.Nil(t, expired.Result)

	for _, id := range []string{queued.ID, running.ID, freshDone.ID} {
		j, err := s.Job(id)
		require.NoError(t, err)
		assert.NotEqual(t, domain.StateExpired, j.State)
	}

	// very old queued/running jobs are still never reaped
	clock.Advance(24 * time.Hour)
	s.Reap(time.Minute)
	q, _ := s.Job(queued.ID)
	r, _ := s.Job(running.ID)
	assert.Equal(t, domain.StateQueued, q.State)
	assert.Equal(t, domain.StateRunning, r.State)
}

func TestPurgeRemovesOldTombstones(t *testing.T) {
	clock := newClock()
	s := New(0, WithClock(clock.Now))
	job, _ := s.Create(ocrParams())
	_, _ = s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	_, _ = s.Transition(job.ID, domain.StateSucceeded, domain.Outcome{Result: okResult()})

	clock.Advance(2 * time.Minute)
	require.Len(t, s.Reap(time.Minute), 1)
	assert.Equal(t, 0, s.Purge(time.Minute))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Purge(time.Minute))
	_, err := s.Job(job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestObserverSeesEveryChange(t *testing.T) {
	var states []domain.JobState
	s := New(0, WithObserver(ObserverFunc(func(j domain.Job) {
		states = append(states, j.State)
	})))

	job, _ := s.Create(ocrParams())
	_, _ = s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
	_, _ = s.Transition(job.ID, domain.StateRunning, domain.Outcome{}) // rejected, not observed
	_, _ = s.Transition(job.ID, domain.StateFailed, domain.Outcome{Err: domain.ErrModelNotLoaded})
	s.Reap(-time.Second)

	assert.Equal(t, []domain.JobState{
		domain.StateQueued,
		domain.StateRunning,
		domain.StateFailed,
		domain.StateExpired,
	}, states)
}

func TestConcurrentStartHasSingleWinner(t *testing.T) {
	s := New(0)
	job, err := s.Create(ocrParams())
	require.NoError(t, err)

	var wins, rejected atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(job.ID, domain.StateRunning, domain.Outcome{})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(63), rejected.Load())
}
