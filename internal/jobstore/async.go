package jobstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you-humble/convhub/internal/domain"
)

// Sink receives job snapshots off the store's hot path.
type Sink interface {
	Handle(ctx context.Context, job domain.Job) error
}

// AsyncObserver buffers snapshots and hands them to a Sink from a single
// goroutine, so per-job order is kept. Snapshots are dropped when the buffer
// is full.
type AsyncObserver struct {
	name    string
	sink    Sink
	timeout time.Duration

	ch chan domain.Job
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

func NewAsyncObserver(name string, sink Sink, buffer int, timeout time.Duration) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	o := &AsyncObserver{
		name:    name,
		sink:    sink,
		timeout: timeout,
		ch:      make(chan domain.Job, buffer),
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *AsyncObserver) JobChanged(job domain.Job) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}

	select {
	case o.ch <- job:
	default:
		o.dropped.Add(1)
		slog.Warn("observer buffer full, snapshot dropped",
			slog.String("observer", o.name),
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)),
		)
	}
}

// Close stops accepting snapshots and waits until the buffered ones are
// handled or ctx is done.
func (o *AsyncObserver) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.ch)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many snapshots were lost to a full buffer.
func (o *AsyncObserver) Dropped() int64 { return o.dropped.Load() }

func (o *AsyncObserver) loop() {
	defer o.wg.Done()

	for job := range o.ch {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		if err := o.sink.Handle(ctx, job); err != nil {
			slog.Warn("observer failed",
				slog.String("observer", o.name),
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
