package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/convhub/internal/domain"
	"github.com/you-humble/convhub/internal/slot"

	"golang.org/x/sync/errgroup"
)

// SubmitBatch queues one job for several inputs of a batch-capable modality.
func (d *Dispatcher) SubmitBatch(modality domain.Modality, inputs []domain.Input) (string, error) {
	job, _, err := d.submitBatch(modality, inputs)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// SubmitBatchSync is SubmitBatch followed by a bounded wait, like SubmitSync.
func (d *Dispatcher) SubmitBatchSync(
	ctx context.Context,
	modality domain.Modality,
	inputs []domain.Input,
	timeout time.Duration,
) (domain.JobView, error) {
	job, ex, err := d.submitBatch(modality, inputs)
	if err != nil {
		return domain.JobView{}, err
	}
	return d.await(ctx, job.ID, ex, timeout)
}

func (d *Dispatcher) submitBatch(modality domain.Modality, inputs []domain.Input) (domain.Job, *execution, error) {
	s, err := d.slot(modality)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if !modality.SupportsBatch() {
		return domain.Job{}, nil, domain.InputError("", "%s does not support batches", modality)
	}
	if len(inputs) == 0 {
		return domain.Job{}, nil, domain.InputError("", "batch is empty")
	}
	if len(inputs) > d.cfg.MaxBatchSize {
		return domain.Job{}, nil, domain.InputError("", "batch has %d inputs, limit is %d", len(inputs), d.cfg.MaxBatchSize)
	}

	return d.submit(domain.CreateJobParams{
		Modality: modality,
		Inputs:   inputs,
		Batch:    true,
	}, d.batchWork(s, inputs))
}

// batchWork runs every input through the slot and reports one outcome per
// input, ordered by submission index. Item failures never fail the batch: the
// job succeeds with per-item detail even when every item failed. The job turns
// running when its first item gets a permit.
func (d *Dispatcher) batchWork(s Slot, inputs []domain.Input) workFunc {
	return func(id string, _ *execution) {
		items := make([]domain.BatchItem, len(inputs))

		var (
			once    sync.Once
			running bool
			started time.Time
		)
		start := func() bool {
			once.Do(func() {
				running = d.start(id)
				started = time.Now()
			})
			return running
		}

		var g errgroup.Group
		g.SetLimit(s.MaxConcurrency())
		for i, in := range inputs {
			g.Go(func() error {
				items[i] = d.runItem(id, s, i, in, start)
				return nil
			})
		}
		_ = g.Wait()

		if !start() {
			return
		}
		d.complete(id, started, &domain.Result{Items: items}, nil)
	}
}

func (d *Dispatcher) runItem(id string, s Slot, i int, in domain.Input, start func() bool) domain.BatchItem {
	item := domain.BatchItem{Index: i, Name: in.Name}

	permit, err := s.Acquire(d.ctx)
	if err != nil {
		item.Error = errShuttingDown
		return item
	}
	if !start() {
		permit.Release()
		item.Error = domain.ErrInvalidTransition.WithJob(id)
		return item
	}

	res, err := d.convertItem(id, s, permit, in)
	if err != nil {
		item.Error = domain.AsError(err)
		return item
	}
	item.Result = res
	return item
}

type converted struct {
	res *domain.Result
	err error
}

// convertItem runs one batch item under its own max runtime. An item past the
// limit is reported as timed out while its engine call keeps the permit until
// it returns.
func (d *Dispatcher) convertItem(id string, s Slot, permit *slot.Permit, in domain.Input) (*domain.Result, error) {
	out := make(chan converted, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer permit.Release()
		res, err := s.Convert(d.ctx, in)
		out <- converted{res: res, err: err}
	}()

	if d.cfg.MaxRuntime <= 0 {
		c := <-out
		return c.res, c.err
	}

	timer := time.NewTimer(d.cfg.MaxRuntime)
	defer timer.Stop()

	select {
	case c := <-out:
		return c.res, c.err
	case <-timer.C:
		slog.Error("batch item exceeded max runtime, engine still holds its slot",
			slog.String("job_id", id),
			slog.String("item", in.Name),
			slog.Duration("max_runtime", d.cfg.MaxRuntime),
		)
		return nil, d.maxRuntimeError()
	}
}
