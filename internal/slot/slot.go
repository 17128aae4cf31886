package slot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/you-humble/convhub/internal/domain"

	"golang.org/x/sync/semaphore"
)

// Engine is one modality's conversion backend. Process is blocking and is not
// expected to stop early when ctx is cancelled.
type Engine interface {
	Load(ctx context.Context) error
	Process(ctx context.Context, in domain.Input) (*domain.Result, error)
}

// Slot bounds how many Process calls of one engine run at once and owns the
// engine's lazy initialization.
type Slot struct {
	modality domain.Modality
	engine   Engine
	max      int64

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64

	loadMu sync.Mutex
	loaded atomic.Bool
}

func New(modality domain.Modality, engine Engine, maxConcurrency int) *Slot {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	return &Slot{
		modality: modality,
		engine:   engine,
		max:      int64(maxConcurrency),
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Permit is held while an engine call runs. Release is safe to call more than once.
type Permit struct {
	slot *Slot
	once sync.Once
}

func (p *Permit) Release() {
	p.once.Do(func() {
		p.slot.inFlight.Add(-1)
		p.slot.sem.Release(1)
	})
}

// Acquire blocks until the slot has room or ctx is done.
func (s *Slot) Acquire(ctx context.Context) (*Permit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", s.modality, err)
	}

	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	return &Permit{slot: s}, nil
}

// Run acquires a permit and converts one input with it.
func (s *Slot) Run(ctx context.Context, in domain.Input) (*domain.Result, error) {
	permit, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	return s.Convert(ctx, in)
}

// Convert loads the engine on first use and runs one conversion. The caller
// must hold a permit. Engine errors are returned as structured errors and are
// never retried.
func (s *Slot) Convert(ctx context.Context, in domain.Input) (*domain.Result, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	return s.process(ctx, in)
}

// Warm loads the engine without running a conversion. It is used by health
// checks and at startup. Loading happens under a permit, like every other
// engine call; a loaded engine needs none.
func (s *Slot) Warm(ctx context.Context) error {
	if s.loaded.Load() {
		return nil
	}

	permit, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	return s.ensureLoaded(ctx)
}

// ensureLoaded initializes the engine if it has not been loaded yet. A failed load is
// retried on the next call.
func (s *Slot) ensureLoaded(ctx context.Context) error {
	if s.loaded.Load() {
		return nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.loaded.Load() {
		return nil
	}

	if err := s.engine.Load(ctx); err != nil {
		slog.Error("engine load failed",
			slog.String("modality", string(s.modality)),
			slog.String("error", err.Error()),
		)
		if domain.KindOf(err) != "" {
			return err
		}
		return domain.EngineError(domain.CodeModelNotLoaded, err)
	}

	s.loaded.Store(true)
	slog.Info("engine loaded", slog.String("modality", string(s.modality)))
	return nil
}

func (s *Slot) process(ctx context.Context, in domain.Input) (res *domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in engine",
				slog.String("modality", string(s.modality)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = nil
			err = domain.EngineError(domain.CodeInternalEngineFailure, fmt.Errorf("engine panic: %v", r))
		}
	}()

	res, err = s.engine.Process(ctx, in)
	if err != nil {
		return nil, domain.AsError(err)
	}
	if res == nil {
		return nil, domain.EngineError(domain.CodeInternalEngineFailure, fmt.Errorf("engine returned no result"))
	}
	return res, nil
}

func (s *Slot) Modality() domain.Modality { return s.modality }

func (s *Slot) Engine() Engine { return s.engine }

func (s *Slot) MaxConcurrency() int { return int(s.max) }

func (s *Slot) InFlight() int { return int(s.inFlight.Load()) }

// Peak is the highest in-flight count observed since the slot was created.
func (s *Slot) Peak() int { return int(s.peak.Load()) }

func (s *Slot) Loaded() bool { return s.loaded.Load() }
