package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type fakeSlot struct {
	mod     domain.Modality
	warmErr error
	loaded  bool
}

func (s *fakeSlot) Modality() domain.Modality { return s.mod }

func (s *fakeSlot) Warm(ctx context.Context) error {
	if s.warmErr != nil {
		return s.warmErr
	}
	s.loaded = true
	return nil
}

func (s *fakeSlot) Loaded() bool        { return s.loaded }
func (s *fakeSlot) InFlight() int       { return 0 }
func (s *fakeSlot) MaxConcurrency() int { return 2 }

func check(t *testing.T, hs *health.Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestMonitorReportsPerModality(t *testing.T) {
	hs := health.NewServer()
	ocr := &fakeSlot{mod: domain.ModalityOCR}
	asr := &fakeSlot{mod: domain.ModalityASR, warmErr: errors.New("whisper-cli not found")}
	m := NewMonitor(hs, 0, ocr, asr)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ""))
	assert.Equal(t, "not checked yet", m.Status(domain.ModalityOCR).Reason)

	m.Check(context.Background())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ServiceName(domain.ModalityOCR)))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ServiceName(domain.ModalityASR)))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ServiceName(domain.ModalityPDF)))

	st := m.Status(domain.ModalityOCR)
	assert.True(t, st.Available)
	assert.True(t, st.Loaded)
	assert.Equal(t, 2, st.MaxConcurrency)

	st = m.Status(domain.ModalityASR)
	assert.False(t, st.Available)
	assert.Equal(t, "whisper-cli not found", st.Reason)

	st = m.Status(domain.ModalityPDF)
	assert.False(t, st.Available)
	assert.Equal(t, "engine disabled", st.Reason)

	// engine becomes available later
	asr.warmErr = nil
	m.Check(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ServiceName(domain.ModalityASR)))
	assert.Len(t, m.Statuses(), 3)
}

func TestRecoveryInterceptor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	interceptor := RecoveryUnaryInterceptor(logger)

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(ctx context.Context, req any) (any, error) {
			panic("boom")
		})
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := UnaryLoggingInterceptor(logger)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(ctx context.Context, req any) (any, error) {
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
