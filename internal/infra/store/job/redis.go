package jobmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/redis/go-redis/v9"
)

// redisMirror copies job snapshots into redis hashes for dashboards and
// other readers outside the process. The in-memory store stays the source of
// truth; nothing here is read back by the service.
type redisMirror struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(rdb redis.Cmdable, prefix string, ttl time.Duration) *redisMirror {
	return &redisMirror{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (m *redisMirror) Handle(ctx context.Context, job domain.Job) error {
	hk := m.jobKey(job.ID)

	pipe := m.rdb.TxPipeline()
	if job.State == domain.StateExpired {
		pipe.Del(ctx, hk)
		pipe.ZRem(ctx, m.indexKey(), job.ID)
	} else {
		fields, err := jobFields(job)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, hk, fields)
		pipe.Expire(ctx, hk, m.ttl)
		pipe.ZAdd(ctx, m.indexKey(), redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mirror %s: %w", job.ID, err)
	}
	return nil
}

func jobFields(job domain.Job) (map[string]any, error) {
	fields := map[string]any{
		"id":         job.ID,
		"modality":   string(job.Modality),
		"state":      string(job.State),
		"batch":      job.Batch,
		"inputs":     len(job.Inputs),
		"created_at": job.CreatedAt.UnixNano(),
		"updated_at": job.UpdatedAt.UnixNano(),
	}
	if !job.StartedAt.IsZero() {
		fields["started_at"] = job.StartedAt.UnixNano()
	}
	if !job.CompletedAt.IsZero() {
		fields["completed_at"] = job.CompletedAt.UnixNano()
	}
	if job.Error != nil {
		fields["error_kind"] = string(job.Error.Kind)
		fields["error_code"] = job.Error.Code
		fields["error"] = job.Error.Message
	}
	if job.Result != nil {
		raw, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		fields["result"] = string(raw)
		if ok, failed := job.Result.Outcomes(); job.Batch {
			fields["items_succeeded"] = ok
			fields["items_failed"] = failed
		}
	}
	return fields, nil
}

func (m *redisMirror) jobKey(id string) string {
	return m.prefix + id
}

func (m *redisMirror) indexKey() string {
	return m.prefix + "by_created"
}
