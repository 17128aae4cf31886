package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/you-humble/convhub/internal/infra/store/file/replicator"

	"golang.org/x/sync/errgroup"
)

// FileStore keeps uploaded inputs and produced artifacts. Path gives engines
// a local path for a stored name.
type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
	Path(filename string) (string, error)
}

type remoteStore interface {
	replicator.Storage
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// asyncStore serves everything from the local disk and mirrors changes to a
// remote store in the background. Reads fall back to the remote copy.
type asyncStore struct {
	local      *localStore
	remote     remoteStore
	replicator *replicator.Replicator
}

type ReplicationConfig struct {
	QueueSize  int
	Workers    int
	MaxRetries int
}

func NewAsyncStore(ctx context.Context, local *localStore, remote remoteStore, cfg ReplicationConfig) *asyncStore {
	repl := replicator.New(local, remote, cfg.QueueSize, cfg.Workers, cfg.MaxRetries)
	repl.Start(ctx)

	return &asyncStore{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *asyncStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	written, hash, err := s.local.Save(ctx, reader, filename, size)
	if err != nil {
		return 0, "", err
	}

	ok := s.replicator.Enqueue(replicator.Task{
		Op:       replicator.OpCopy,
		Filename: filename,
		Size:     written,
		Hash:     hash,
	})
	if !ok {
		slog.Error("asyncStore: replication queue full, file saved only locally",
			slog.String("filename", filename),
			slog.Int64("size", written),
		)
	}

	return written, hash, nil
}

func (s *asyncStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, filename)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rc, size, err
	}

	return s.remote.Open(ctx, filename)
}

// Delete removes the local copy now and the remote copy in the background.
func (s *asyncStore) Delete(ctx context.Context, filename string) error {
	if err := s.local.Delete(ctx, filename); err != nil {
		return err
	}

	if !s.replicator.Enqueue(replicator.Task{Op: replicator.OpDelete, Filename: filename}) {
		if err := s.remote.Delete(ctx, filename); err != nil {
			slog.Warn("asyncStore: delete remote failed",
				slog.String("filename", filename),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *asyncStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	eg, eCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.local.CleanupOlderThan(eCtx, maxAge)
	})
	eg.Go(func() error {
		return s.remote.CleanupOlderThan(eCtx, maxAge)
	})

	return eg.Wait()
}

func (s *asyncStore) Path(filename string) (string, error) {
	return s.local.Path(filename)
}
