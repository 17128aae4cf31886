package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/convhub/internal/domain"
	"github.com/you-humble/convhub/internal/slot"
)

type JobStore interface {
	Create(p domain.CreateJobParams) (domain.Job, error)
	Job(id string) (domain.Job, error)
	Transition(id string, to domain.JobState, out domain.Outcome) (domain.Job, error)
}

// Slot admits engine calls. Convert must only be called while holding a
// permit from Acquire.
type Slot interface {
	Modality() domain.Modality
	MaxConcurrency() int
	Acquire(ctx context.Context) (*slot.Permit, error)
	Convert(ctx context.Context, in domain.Input) (*domain.Result, error)
}

type Config struct {
	// SyncTimeout is used by SubmitSync when the caller passes no timeout.
	SyncTimeout time.Duration
	// MaxRuntime force-fails an engine call running longer than this. Time
	// spent queued for a permit does not count. Zero disables it.
	MaxRuntime   time.Duration
	MaxBatchSize int
}

var errShuttingDown = domain.NewError(domain.KindResourceExhausted, "shutting_down", "dispatcher is shutting down")

// workFunc executes a created job. It owns every transition after queued.
type workFunc func(id string, ex *execution)

// execution tracks one background run; done is closed once the job reached a
// terminal state or was abandoned.
type execution struct {
	done chan struct{}
	once sync.Once
}

func (e *execution) finish() {
	e.once.Do(func() { close(e.done) })
}

type Dispatcher struct {
	cfg   Config
	store JobStore
	slots map[domain.Modality]Slot

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. Background executions run on a context derived
// from ctx without its cancellation; only Shutdown cancels them.
func New(ctx context.Context, cfg Config, store JobStore, slots ...Slot) *Dispatcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		slots:  make(map[domain.Modality]Slot, len(slots)),
		ctx:    runCtx,
		cancel: cancel,
	}
	for _, s := range slots {
		d.slots[s.Modality()] = s
	}
	return d
}

// SubmitSync runs a job and waits for it up to timeout. On timeout the job
// keeps running and the returned error carries its id for polling.
func (d *Dispatcher) SubmitSync(
	ctx context.Context,
	modality domain.Modality,
	in domain.Input,
	timeout time.Duration,
) (domain.JobView, error) {
	s, err := d.slot(modality)
	if err != nil {
		return domain.JobView{}, err
	}

	job, ex, err := d.submit(domain.CreateJobParams{
		Modality: modality,
		Inputs:   []domain.Input{in},
	}, d.singleWork(s, in))
	if err != nil {
		return domain.JobView{}, err
	}

	return d.await(ctx, job.ID, ex, timeout)
}

// SubmitAsync queues a job and returns its id without waiting for the engine.
func (d *Dispatcher) SubmitAsync(modality domain.Modality, in domain.Input) (string, error) {
	s, err := d.slot(modality)
	if err != nil {
		return "", err
	}

	job, _, err := d.submit(domain.CreateJobParams{
		Modality: modality,
		Inputs:   []domain.Input{in},
	}, d.singleWork(s, in))
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Poll returns the current view of a job. Unknown and expired jobs are not found.
func (d *Dispatcher) Poll(id string) (domain.JobView, error) {
	job, err := d.store.Job(id)
	if err != nil {
		return domain.JobView{}, err
	}
	if job.State == domain.StateExpired {
		return domain.JobView{}, domain.ErrJobExpired.WithJob(id)
	}
	return job.View(), nil
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, running engines are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		slog.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) slot(modality domain.Modality) (Slot, error) {
	if !modality.Valid() {
		return nil, domain.InputError("", "unknown modality %q", modality)
	}
	s, ok := d.slots[modality]
	if !ok {
		return nil, domain.EngineError(domain.CodeModelNotLoaded,
			fmt.Errorf("no engine configured for %s", modality))
	}
	return s, nil
}

func (d *Dispatcher) submit(p domain.CreateJobParams, work workFunc) (domain.Job, *execution, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return domain.Job{}, nil, errShuttingDown
	}

	job, err := d.store.Create(p)
	if err != nil {
		return domain.Job{}, nil, err
	}

	ex := &execution{done: make(chan struct{})}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ex.finish()
		work(job.ID, ex)
	}()

	slog.Debug("job submitted",
		slog.String("job_id", job.ID),
		slog.String("modality", string(job.Modality)),
		slog.Int("inputs", len(job.Inputs)),
	)
	return job, ex, nil
}

// start moves a job from queued to running once its engine call holds a
// permit. It is the guard against double execution.
func (d *Dispatcher) start(id string) bool {
	if _, err := d.store.Transition(id, domain.StateRunning, domain.Outcome{}); err != nil {
		slog.Error("start job", slog.String("job_id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// watch arms the max runtime watchdog of a running engine call.
func (d *Dispatcher) watch(id string, ex *execution) func() {
	if d.cfg.MaxRuntime <= 0 {
		return func() {}
	}
	watchdog := time.AfterFunc(d.cfg.MaxRuntime, func() { d.abandon(id, ex) })
	return func() { watchdog.Stop() }
}

// complete records the terminal state of a job.
func (d *Dispatcher) complete(id string, started time.Time, res *domain.Result, err error) {
	logger := slog.With(slog.String("job_id", id))

	to, out := domain.StateSucceeded, domain.Outcome{Result: res}
	if err != nil {
		to, out = domain.StateFailed, domain.Outcome{Err: domain.AsError(err)}
	}

	if _, terr := d.store.Transition(id, to, out); terr != nil {
		if domain.KindOf(terr) == domain.KindInvalidTransition {
			logger.Warn("engine finished after the job was closed",
				slog.String("state", string(to)),
				slog.Duration("duration", time.Since(started)),
			)
			return
		}
		logger.Error("finish job", slog.String("error", terr.Error()))
		return
	}

	if err != nil {
		logger.Warn("job failed",
			slog.Duration("duration", time.Since(started)),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("job succeeded", slog.Duration("duration", time.Since(started)))
}

// cancelQueued fails a job that never got a permit, which only happens when
// shutdown stops waiting for running jobs.
func (d *Dispatcher) cancelQueued(id string, err error) {
	slog.Warn("job cancelled before it started",
		slog.String("job_id", id),
		slog.String("error", err.Error()),
	)
	if !d.start(id) {
		return
	}
	d.complete(id, time.Now(), nil, errShuttingDown)
}

// singleWork waits for a permit while the job stays queued, then runs the
// engine under the watchdog.
func (d *Dispatcher) singleWork(s Slot, in domain.Input) workFunc {
	return func(id string, ex *execution) {
		permit, err := s.Acquire(d.ctx)
		if err != nil {
			d.cancelQueued(id, err)
			return
		}
		defer permit.Release()

		if !d.start(id) {
			return
		}
		stop := d.watch(id, ex)
		defer stop()

		started := time.Now()
		res, err := s.Convert(d.ctx, in)
		d.complete(id, started, res, err)
	}
}

// abandon marks a job whose engine call exceeded MaxRuntime as failed. The
// engine cannot be interrupted and keeps its permit until it returns.
func (d *Dispatcher) abandon(id string, ex *execution) {
	if _, err := d.store.Transition(id, domain.StateFailed, domain.Outcome{Err: d.maxRuntimeError()}); err != nil {
		return
	}

	slog.Error("job exceeded max runtime, engine still holds its slot",
		slog.String("job_id", id),
		slog.Duration("max_runtime", d.cfg.MaxRuntime),
	)
	ex.finish()
}

func (d *Dispatcher) await(
	ctx context.Context,
	id string,
	ex *execution,
	timeout time.Duration,
) (domain.JobView, error) {
	if timeout <= 0 {
		timeout = d.cfg.SyncTimeout
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ex.done:
	case <-expired:
		view, _ := d.Poll(id)
		return view, domain.ErrTimeout.WithJob(id)
	case <-ctx.Done():
		view, _ := d.Poll(id)
		return view, &domain.Error{
			Kind:    domain.KindTimeout,
			Message: "caller stopped waiting",
			JobID:   id,
			Err:     ctx.Err(),
		}
	}

	job, err := d.store.Job(id)
	if err != nil {
		return domain.JobView{}, err
	}

	view := job.View()
	switch job.State {
	case domain.StateSucceeded:
		return view, nil
	case domain.StateFailed:
		return view, job.Error.WithJob(id)
	default:
		return view, domain.ErrInvalidTransition.WithJob(id)
	}
}

func (d *Dispatcher) maxRuntimeError() *domain.Error {
	return &domain.Error{
		Kind:    domain.KindTimeout,
		Code:    domain.CodeMaxRuntimeExceeded,
		Message: fmt.Sprintf("engine exceeded max runtime of %s", d.cfg.MaxRuntime),
	}
}
