package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/nats-io/nats.go"
)

// Event is the message published on every job state change.
type Event struct {
	JobID     string          `json:"job_id"`
	Modality  domain.Modality `json:"modality"`
	State     domain.JobState `json:"state"`
	Batch     bool            `json:"batch,omitempty"`
	Error     *domain.Error   `json:"error,omitempty"`
	Artifacts []string        `json:"artifacts,omitempty"`
	At        time.Time       `json:"at"`
}

type publisher struct {
	js      nats.JetStreamContext
	subject string
}

// NewPublisher publishes lifecycle events to <subject>.<modality>.<state>.
func NewPublisher(js nats.JetStreamContext, subject string) *publisher {
	return &publisher{js: js, subject: subject}
}

func (p *publisher) Handle(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(newEvent(job))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(job),
		Data:    data,
		Header:  nats.Header{},
	}
	// the same state is never published twice for one job
	msg.Header.Set(nats.MsgIdHdr, job.ID+":"+string(job.State))

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish event for job %s: %w", job.ID, err)
	}

	slog.Debug("job event published",
		slog.String("job_id", job.ID),
		slog.String("subject", msg.Subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

func (p *publisher) Subject(job domain.Job) string {
	return p.subject + "." + string(job.Modality) + "." + string(job.State)
}

func newEvent(job domain.Job) Event {
	return Event{
		JobID:     job.ID,
		Modality:  job.Modality,
		State:     job.State,
		Batch:     job.Batch,
		Error:     job.Error,
		Artifacts: job.Result.Artifacts(),
		At:        job.UpdatedAt,
	}
}

// StreamConfig is the JetStream stream holding the events.
func StreamConfig(name, subject string, maxAge time.Duration) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     maxAge,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	}
}
