package transport

import (
	"net/http"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(LogMiddleware)
	r.Use(WithRecover)

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/asr/transcribe", h.submit(domain.ModalityASR, false))
		r.Post("/asr/transcribe/async", h.submit(domain.ModalityASR, true))

		r.Post("/pdf/convert", h.submit(domain.ModalityPDF, false))
		r.Post("/pdf/convert/async", h.submit(domain.ModalityPDF, true))

		r.Post("/ocr/recognize", h.submit(domain.ModalityOCR, false))
		r.Post("/ocr/recognize/async", h.submit(domain.ModalityOCR, true))
		r.Post("/ocr/recognize/batch", h.submitBatch(domain.ModalityOCR, false))
		r.Post("/ocr/recognize/batch/async", h.submitBatch(domain.ModalityOCR, true))

		r.Get("/{modality}/status", h.engineStatus)

		r.Get("/jobs/{id}", h.job)
		r.Get("/jobs/{id}/download", h.download)
	})

	return r
}
