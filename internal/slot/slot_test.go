package slot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEngine struct {
	delay    time.Duration
	loadErr  error
	loads    atomic.Int32
	current  atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	failWith error
	panics   bool
}

func (e *countingEngine) Load(ctx context.Context) error {
	e.loads.Add(1)
	return e.loadErr
}

func (e *countingEngine) Process(ctx context.Context, in domain.Input) (*domain.Result, error) {
	e.calls.Add(1)
	n := e.current.Add(1)
	defer e.current.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	time.Sleep(e.delay)
	if e.panics {
		panic("model crashed")
	}
	if e.failWith != nil {
		return nil, e.failWith
	}
	return &domain.Result{Recognition: &domain.Recognition{Text: in.Name}}, nil
}

func TestRunNeverExceedsMaxConcurrency(t *testing.T) {
	engine := &countingEngine{delay: 5 * time.Millisecond}
	s := New(domain.ModalityOCR, engine, 3)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Run(context.Background(), domain.Input{Name: "page"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(engine.maxSeen.Load()), 3)
	assert.LessOrEqual(t, s.Peak(), 3)
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, int32(50), engine.calls.Load())
}

func TestEngineLoadedOnce(t *testing.T) {
	engine := &countingEngine{}
	s := New(domain.ModalityASR, engine, 2)
	assert.False(t, s.Loaded())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Run(context.Background(), domain.Input{})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), engine.loads.Load())
	assert.True(t, s.Loaded())
}

func TestLoadFailureIsModelNotLoadedAndRetried(t *testing.T) {
	engine := &countingEngine{loadErr: errors.New("whisper binary not found")}
	s := New(domain.ModalityASR, engine, 1)

	_, err := s.Run(context.Background(), domain.Input{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelNotLoaded)
	assert.Equal(t, int32(0), engine.calls.Load())
	assert.Equal(t, 0, s.InFlight())

	engine.loadErr = nil
	_, err = s.Run(context.Background(), domain.Input{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), engine.loads.Load())
}

func TestEngineErrorsPropagateUnchanged(t *testing.T) {
	corrupt := domain.InputError(domain.CodeCorruptInput, "cannot decode image")
	engine := &countingEngine{failWith: corrupt}
	s := New(domain.ModalityOCR, engine, 1)

	_, err := s.Run(context.Background(), domain.Input{})
	assert.Same(t, corrupt, err)
	assert.Equal(t, int32(1), engine.calls.Load(), "no automatic retry")
	assert.Equal(t, 0, s.InFlight())
}

func TestPanicReleasesPermit(t *testing.T) {
	engine := &countingEngine{panics: true}
	s := New(domain.ModalityPDF, engine, 1)

	_, err := s.Run(context.Background(), domain.Input{})
	require.Error(t, err)
	assert.Equal(t, domain.KindEngine, domain.KindOf(err))
	assert.Equal(t, 0, s.InFlight())

	permit, err := s.Acquire(context.Background())
	require.NoError(t, err)
	permit.Release()
}

func TestAcquireHonoursContext(t *testing.T) {
	s := New(domain.ModalityASR, &countingEngine{}, 1)
	held, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.InFlight())

	held.Release()
	held.Release()
	assert.Equal(t, 0, s.InFlight())
}

func TestWarmLoadsUnderPermit(t *testing.T) {
	engine := &countingEngine{}
	s := New(domain.ModalityOCR, engine, 1)

	permit, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Warm(ctx))
	assert.Zero(t, engine.loads.Load())

	permit.Release()
	require.NoError(t, s.Warm(context.Background()))
	assert.Equal(t, int32(1), engine.loads.Load())
	assert.Zero(t, s.InFlight())

	// a loaded engine warms without waiting for a permit
	permit, err = s.Acquire(context.Background())
	require.NoError(t, err)
	defer permit.Release()
	assert.NoError(t, s.Warm(context.Background()))
}
