package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/google/uuid"
)

type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, filename string) error
	Path(filename string) (string, error)
}

type Dispatcher interface {
	SubmitSync(ctx context.Context, modality domain.Modality, in domain.Input, timeout time.Duration) (domain.JobView, error)
	SubmitAsync(modality domain.Modality, in domain.Input) (string, error)
	SubmitBatch(modality domain.Modality, inputs []domain.Input) (string, error)
	SubmitBatchSync(ctx context.Context, modality domain.Modality, inputs []domain.Input, timeout time.Duration) (domain.JobView, error)
	Poll(id string) (domain.JobView, error)
}

type EngineMonitor interface {
	Status(mod domain.Modality) domain.EngineStatus
	Statuses() []domain.EngineStatus
}

type usecase struct {
	dispatcher Dispatcher
	fileStore  FileStore
	monitor    EngineMonitor
}

func New(dispatcher Dispatcher, fileStore FileStore, monitor EngineMonitor) *usecase {
	return &usecase{
		dispatcher: dispatcher,
		fileStore:  fileStore,
		monitor:    monitor,
	}
}

// Submit stores the upload and runs it, waiting up to timeout. A zero timeout
// uses the dispatcher's default.
func (uc *usecase) Submit(
	ctx context.Context,
	modality domain.Modality,
	upload domain.Upload,
	opts domain.Options,
	timeout time.Duration,
) (domain.JobView, error) {
	in, err := uc.accept(ctx, modality, upload, opts)
	if err != nil {
		return domain.JobView{}, err
	}

	view, err := uc.dispatcher.SubmitSync(ctx, modality, in, timeout)
	if err != nil {
		uc.discardIfRejected(ctx, err, in)
		return domain.JobView{}, err
	}
	return view, nil
}

// SubmitAsync stores the upload and queues it.
func (uc *usecase) SubmitAsync(
	ctx context.Context,
	modality domain.Modality,
	upload domain.Upload,
	opts domain.Options,
) (domain.SubmitResponse, error) {
	in, err := uc.accept(ctx, modality, upload, opts)
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	id, err := uc.dispatcher.SubmitAsync(modality, in)
	if err != nil {
		uc.discardIfRejected(ctx, err, in)
		return domain.SubmitResponse{}, err
	}

	slog.Debug("job queued", slog.String("job_id", id), slog.String("modality", string(modality)))
	return domain.SubmitResponse{ID: id, State: domain.StateQueued}, nil
}

// SubmitBatch stores every upload and runs them as one job. Files with an
// extension the modality does not accept fail as their own batch item.
func (uc *usecase) SubmitBatch(
	ctx context.Context,
	modality domain.Modality,
	uploads []domain.Upload,
	opts domain.Options,
	timeout time.Duration,
) (domain.JobView, error) {
	inputs, err := uc.acceptBatch(ctx, modality, uploads, opts)
	if err != nil {
		return domain.JobView{}, err
	}

	view, err := uc.dispatcher.SubmitBatchSync(ctx, modality, inputs, timeout)
	if err != nil {
		uc.discardIfRejected(ctx, err, inputs...)
		return domain.JobView{}, err
	}
	return view, nil
}

func (uc *usecase) SubmitBatchAsync(
	ctx context.Context,
	modality domain.Modality,
	uploads []domain.Upload,
	opts domain.Options,
) (domain.SubmitResponse, error) {
	inputs, err := uc.acceptBatch(ctx, modality, uploads, opts)
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	id, err := uc.dispatcher.SubmitBatch(modality, inputs)
	if err != nil {
		uc.discardIfRejected(ctx, err, inputs...)
		return domain.SubmitResponse{}, err
	}
	return domain.SubmitResponse{ID: id, State: domain.StateQueued}, nil
}

func (uc *usecase) Job(ctx context.Context, id string) (domain.JobView, error) {
	return uc.dispatcher.Poll(id)
}

// ResultFile opens the artifact of a succeeded job. item selects a batch
// entry and is ignored for single jobs.
func (uc *usecase) ResultFile(ctx context.Context, id string, item int) (domain.DownloadResult, error) {
	job, err := uc.dispatcher.Poll(id)
	if err != nil {
		return domain.DownloadResult{}, err
	}

	switch job.State {
	case domain.StateSucceeded:
	case domain.StateFailed:
		return domain.DownloadResult{}, domain.ErrJobFailed
	default:
		return domain.DownloadResult{}, domain.ErrJobNotReady
	}

	res := job.Result
	name := ""
	if job.Batch {
		if res == nil || item < 0 || item >= len(res.Items) {
			return domain.DownloadResult{}, fmt.Errorf("batch item %d: %w", item, domain.ErrNoArtifact)
		}
		it := res.Items[item]
		if !it.Succeeded() {
			return domain.DownloadResult{}, domain.ErrJobFailed
		}
		res, name = it.Result, it.Name
	}

	artifact := res.Artifact()
	if artifact == "" {
		return domain.DownloadResult{}, domain.ErrNoArtifact
	}

	f, size, err := uc.fileStore.Open(ctx, artifact)
	if err != nil {
		return domain.DownloadResult{}, fmt.Errorf("open result: %w", err)
	}

	if name == "" && len(job.Files) > 0 {
		name = job.Files[0]
	}
	return domain.DownloadResult{
		FileName: downloadName(name, artifact),
		Size:     size,
		Content:  f,
	}, nil
}

func (uc *usecase) EngineStatus(ctx context.Context, modality domain.Modality) (domain.EngineStatus, error) {
	if !modality.Valid() {
		return domain.EngineStatus{}, domain.InputError("", "unknown modality %q", modality)
	}
	return uc.monitor.Status(modality), nil
}

func (uc *usecase) Engines(ctx context.Context) []domain.EngineStatus {
	return uc.monitor.Statuses()
}

// accept validates and stores a single upload.
func (uc *usecase) accept(
	ctx context.Context,
	modality domain.Modality,
	upload domain.Upload,
	opts domain.Options,
) (domain.Input, error) {
	if !modality.Valid() {
		return domain.Input{}, domain.InputError("", "unknown modality %q", modality)
	}
	if err := modality.CheckFormat(upload.Name); err != nil {
		return domain.Input{}, err
	}
	return uc.store(ctx, upload, opts)
}

func (uc *usecase) acceptBatch(
	ctx context.Context,
	modality domain.Modality,
	uploads []domain.Upload,
	opts domain.Options,
) ([]domain.Input, error) {
	if !modality.Valid() {
		return nil, domain.InputError("", "unknown modality %q", modality)
	}
	if len(uploads) == 0 {
		return nil, domain.InputError("", "no files uploaded")
	}

	inputs := make([]domain.Input, 0, len(uploads))
	for _, up := range uploads {
		in, err := uc.store(ctx, up, opts)
		if err != nil {
			uc.discard(ctx, inputs...)
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// store saves an upload under a fresh name that keeps its extension.
func (uc *usecase) store(ctx context.Context, upload domain.Upload, opts domain.Options) (domain.Input, error) {
	ext := strings.ToLower(filepath.Ext(upload.Name))
	storedAs := "inputs/" + uuid.NewString() + ext

	written, _, err := uc.fileStore.Save(ctx, upload.Content, storedAs, upload.Size)
	if err != nil {
		return domain.Input{}, fmt.Errorf("save upload: %w", err)
	}

	path, err := uc.fileStore.Path(storedAs)
	if err != nil {
		uc.discard(ctx, domain.Input{StoredAs: storedAs})
		return domain.Input{}, fmt.Errorf("resolve upload: %w", err)
	}

	return domain.Input{
		Name:     filepath.Base(upload.Name),
		StoredAs: storedAs,
		Path:     path,
		Size:     written,
		Options:  opts,
	}, nil
}

// discardIfRejected removes the uploads of a submission that never became a
// job. Errors that carry a job id belong to a job the cleanup loop owns.
func (uc *usecase) discardIfRejected(ctx context.Context, err error, inputs ...domain.Input) {
	var e *domain.Error
	if errors.As(err, &e) && e.JobID != "" {
		return
	}
	uc.discard(ctx, inputs...)
}

func (uc *usecase) discard(ctx context.Context, inputs ...domain.Input) {
	for _, in := range inputs {
		if err := uc.fileStore.Delete(ctx, in.StoredAs); err != nil {
			slog.Warn("delete upload",
				slog.String("file", in.StoredAs),
				slog.String("error", err.Error()),
			)
		}
	}
}

// downloadName keeps the client's file stem with the artifact's extension.
func downloadName(original, artifact string) string {
	ext := filepath.Ext(artifact)
	stem := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	if original == "" || stem == "" || stem == "." {
		return filepath.Base(artifact)
	}
	return stem + ext
}
