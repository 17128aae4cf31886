package transport

import (
	"log/slog"
	"net/http"

	"github.com/you-humble/convhub/internal/domain"
)

// statusFor maps an error kind (and code where it matters) to an HTTP status.
func statusFor(e *domain.Error) int {
	switch e.Kind {
	case domain.KindInput:
		if e.Code == domain.CodeUnsupportedFormat {
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case domain.KindEngine:
		if e.Code == domain.CodeModelNotLoaded {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case domain.KindResourceExhausted:
		return http.StatusTooManyRequests
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its kind, code and job id. Errors without
// a kind are logged and hidden behind a generic 500.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	e := domain.AsError(err)
	if domain.KindOf(err) == "" {
		logger.Error("unexpected error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("kind", string(e.Kind)),
			slog.String("code", e.Code),
			slog.String("job_id", e.JobID),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Warn("request rejected",
			slog.String("kind", string(e.Kind)),
			slog.String("code", e.Code),
			slog.String("error", e.Message),
		)
	}

	writeJSON(w, status, domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: e.Message,
		Kind:    e.Kind,
		Code:    e.Code,
		JobID:   e.JobID,
	})
}
