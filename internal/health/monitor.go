package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const servicePrefix = "convhub."

type Slot interface {
	Modality() domain.Modality
	Warm(ctx context.Context) error
	Loaded() bool
	InFlight() int
	MaxConcurrency() int
}

// Monitor tracks whether each modality's engine can be loaded and reports
// it through the standard gRPC health service, one service name per
// modality ("convhub.asr", ...). The overall service ("") is serving while
// at least one engine is available.
type Monitor struct {
	hs       *health.Server
	slots    map[domain.Modality]Slot
	interval time.Duration

	mu      sync.RWMutex
	reasons map[domain.Modality]string
}

func NewMonitor(hs *health.Server, interval time.Duration, slots ...Slot) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m := &Monitor{
		hs:       hs,
		slots:    make(map[domain.Modality]Slot, len(slots)),
		interval: interval,
		reasons:  make(map[domain.Modality]string),
	}
	for _, s := range slots {
		m.slots[s.Modality()] = s
	}
	for _, mod := range domain.Modalities {
		if _, ok := m.slots[mod]; !ok {
			m.reasons[mod] = "engine disabled"
		}
		hs.SetServingStatus(ServiceName(mod), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

func ServiceName(m domain.Modality) string {
	return servicePrefix + string(m)
}

// Check tries to load every engine that is not loaded yet and updates the
// health service.
func (m *Monitor) Check(ctx context.Context) {
	serving := false
	for _, mod := range domain.Modalities {
		s, ok := m.slots[mod]
		if !ok {
			continue
		}

		status := healthpb.HealthCheckResponse_SERVING
		reason := ""
		if err := s.Warm(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			reason = err.Error()
		} else {
			serving = true
		}

		m.mu.Lock()
		prev, seen := m.reasons[mod]
		m.reasons[mod] = reason
		m.mu.Unlock()

		if !seen || prev != reason {
			slog.Info("engine availability",
				slog.String("modality", string(mod)),
				slog.Bool("available", reason == ""),
				slog.String("reason", reason),
			)
		}
		m.hs.SetServingStatus(ServiceName(mod), status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	m.hs.SetServingStatus("", overall)
}

// Start runs Check now and then periodically until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Status reports the engine of one modality. A modality whose engine was
// never checked is reported unavailable.
func (m *Monitor) Status(mod domain.Modality) domain.EngineStatus {
	st := domain.EngineStatus{Modality: mod}

	m.mu.RLock()
	reason, checked := m.reasons[mod]
	m.mu.RUnlock()

	s, ok := m.slots[mod]
	if ok {
		st.Loaded = s.Loaded()
		st.InFlight = s.InFlight()
		st.MaxConcurrency = s.MaxConcurrency()
	}

	switch {
	case !checked:
		st.Reason = "not checked yet"
	case reason != "":
		st.Reason = reason
	default:
		st.Available = true
	}
	return st
}

func (m *Monitor) Statuses() []domain.EngineStatus {
	out := make([]domain.EngineStatus, 0, len(domain.Modalities))
	for _, mod := range domain.Modalities {
		out = append(out, m.Status(mod))
	}
	return out
}

// Shutdown marks every service as not serving so load balancers drain.
func (m *Monitor) Shutdown() {
	m.hs.Shutdown()
}
