package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

type Storage interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
}

type Op uint8

const (
	OpCopy Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "copy"
}

// Task mirrors one local change to the remote storage.
type Task struct {
	Op       Op
	Filename string
	Size     int64
	Hash     string
	Retries  int
}

// Replicator copies local files to a remote storage in the background with a
// fixed pool of workers and a bounded queue.
type Replicator struct {
	local  Storage
	remote Storage

	queue      chan Task
	workerNum  int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	done   atomic.Int64
	failed atomic.Int64
}

func New(local, remote Storage, queueSize, workerNum, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan Task, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed || r.cancel != nil {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for i := range r.workerNum {
		go r.worker(i)
	}
}

// Stop closes the queue and waits for the workers to drain it. When ctx ends
// first the in-flight tasks are cancelled.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		if r.cancel != nil {
			r.cancel()
		}
		return ctx.Err()
	case <-doneCh:
	}
	if r.cancel != nil {
		r.cancel()
	}

	slog.Info("replicator: stopped",
		slog.Int64("replicated", r.done.Load()),
		slog.Int64("failed", r.failed.Load()),
	)
	return nil
}

// Enqueue returns false when the replicator is stopped or its queue is full.
func (r *Replicator) Enqueue(task Task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- task:
		return true
	default:
		return false
	}
}

func (r *Replicator) Pending() int { return len(r.queue) }

func (r *Replicator) worker(id int) {
	defer r.wg.Done()

	for task := range r.queue {
		r.handle(r.ctx, id, task)
	}
}

func (r *Replicator) handle(ctx context.Context, worker int, task Task) {
	l := slog.With(
		slog.Int("worker", worker),
		slog.String("op", task.Op.String()),
		slog.String("filename", task.Filename),
		slog.Int("retries", task.Retries),
	)

	err := r.replicateOnce(ctx, task)
	if err == nil {
		r.done.Add(1)
		return
	}

	if task.Retries >= r.maxRetries || ctx.Err() != nil {
		r.failed.Add(1)
		l.Error("replication failed, giving up", slog.String("error", err.Error()))
		return
	}

	task.Retries++
	if !r.requeue(task) {
		r.failed.Add(1)
		l.Error("replication failed and cannot be requeued", slog.String("error", err.Error()))
		return
	}
	l.Warn("replication failed, task requeued", slog.String("error", err.Error()))
}

func (r *Replicator) requeue(task Task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	select {
	case r.queue <- task:
		return true
	default:
		return false
	}
}

func (r *Replicator) replicateOnce(ctx context.Context, task Task) error {
	if task.Op == OpDelete {
		if err := r.remote.Delete(ctx, task.Filename); err != nil {
			return fmt.Errorf("delete remote: %w", err)
		}
		return nil
	}

	rc, size, err := r.local.Open(ctx, task.Filename)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer rc.Close()

	if task.Size > 0 {
		size = task.Size
	}

	written, remoteHash, err := r.remote.Save(ctx, rc, task.Filename, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}
	if written <= 0 {
		return fmt.Errorf("remote save wrote zero bytes")
	}
	if task.Hash != "" && remoteHash != "" && task.Hash != remoteHash {
		return fmt.Errorf("hash mismatch: local=%s remote=%s", task.Hash, remoteHash)
	}

	slog.Debug("replicator: file replicated",
		slog.String("filename", task.Filename),
		slog.Int64("size", written),
	)
	return nil
}
