package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type Usecase interface {
	Submit(ctx context.Context, modality domain.Modality, upload domain.Upload, opts domain.Options, timeout time.Duration) (domain.JobView, error)
	SubmitAsync(ctx context.Context, modality domain.Modality, upload domain.Upload, opts domain.Options) (domain.SubmitResponse, error)
	SubmitBatch(ctx context.Context, modality domain.Modality, uploads []domain.Upload, opts domain.Options, timeout time.Duration) (domain.JobView, error)
	SubmitBatchAsync(ctx context.Context, modality domain.Modality, uploads []domain.Upload, opts domain.Options) (domain.SubmitResponse, error)
	Job(ctx context.Context, id string) (domain.JobView, error)
	ResultFile(ctx context.Context, id string, item int) (domain.DownloadResult, error)
	EngineStatus(ctx context.Context, modality domain.Modality) (domain.EngineStatus, error)
	Engines(ctx context.Context) []domain.EngineStatus
}

type handler struct {
	maxUploadBytes int64
	usecase        Usecase
}

func NewHandler(maxUploadBytesMb int64, uc Usecase) *handler {
	return &handler{
		maxUploadBytes: maxUploadBytesMb << 20,
		usecase:        uc,
	}
}

// submit serves the single-file endpoints of one modality.
func (h *handler) submit(modality domain.Modality, async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := requestLogger(r, "submit").With(
			slog.String("modality", string(modality)),
			slog.Bool("async", async),
		)

		form, ok := h.parseForm(w, r, logger)
		if !ok {
			return
		}
		defer form.RemoveAll()

		files := form.File["file"]
		if len(files) == 0 {
			logger.Warn("missing file field")
			writeError(w, http.StatusBadRequest, "field `file` is required")
			return
		}

		opts, timeout, err := parseOptions(r, modality)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}

		upload, closeFile, err := openUpload(files[0])
		if err != nil {
			logger.Error("open upload", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, "cannot read uploaded file")
			return
		}
		defer closeFile()

		logger = logger.With(slog.String("file_name", upload.Name))

		if async {
			resp, err := h.usecase.SubmitAsync(r.Context(), modality, upload, opts)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			w.Header().Set("Location", "/api/jobs/"+resp.ID)
			writeJSON(w, http.StatusAccepted, resp)
			return
		}

		view, err := h.usecase.Submit(r.Context(), modality, upload, opts, timeout)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// submitBatch serves the multi-file endpoints; files are sent as repeated
// `files` fields.
func (h *handler) submitBatch(modality domain.Modality, async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := requestLogger(r, "submit_batch").With(
			slog.String("modality", string(modality)),
			slog.Bool("async", async),
		)

		form, ok := h.parseForm(w, r, logger)
		if !ok {
			return
		}
		defer form.RemoveAll()

		headers := form.File["files"]
		if len(headers) == 0 {
			logger.Warn("missing files field")
			writeError(w, http.StatusBadRequest, "field `files` is required")
			return
		}

		opts, timeout, err := parseOptions(r, modality)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}

		uploads := make([]domain.Upload, 0, len(headers))
		for _, fh := range headers {
			up, closeFile, err := openUpload(fh)
			if err != nil {
				logger.Error("open upload", slog.String("file_name", fh.Filename), slog.String("error", err.Error()))
				writeError(w, http.StatusBadRequest, "cannot read uploaded file")
				return
			}
			defer closeFile()
			uploads = append(uploads, up)
		}

		logger = logger.With(slog.Int("files", len(uploads)))

		if async {
			resp, err := h.usecase.SubmitBatchAsync(r.Context(), modality, uploads, opts)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			w.Header().Set("Location", "/api/jobs/"+resp.ID)
			writeJSON(w, http.StatusAccepted, resp)
			return
		}

		view, err := h.usecase.SubmitBatch(r.Context(), modality, uploads, opts, timeout)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (h *handler) job(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "job")
	id := chi.URLParam(r, "id")

	view, err := h.usecase.Job(r.Context(), id)
	if err != nil {
		writeDomainError(w, logger, err)
		return
	}

	if view.State.Terminal() {
		writeJSON(w, http.StatusOK, view)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "download")
	id := chi.URLParam(r, "id")

	item := 0
	if raw := r.URL.Query().Get("item"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "query parameter `item` must be a non-negative integer")
			return
		}
		item = n
	}

	result, err := h.usecase.ResultFile(r.Context(), id, item)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobFailed):
			writeJSON(w, http.StatusConflict, domain.ErrorResponse{
				Error:   http.StatusText(http.StatusConflict),
				Message: "job failed",
				JobID:   id,
			})
		case errors.Is(err, domain.ErrJobNotReady):
			writeJSON(w, http.StatusTooEarly, domain.ErrorResponse{
				Error:   http.StatusText(http.StatusTooEarly),
				Message: "result is not ready yet",
				JobID:   id,
			})
		case errors.Is(err, domain.ErrNoArtifact):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeDomainError(w, logger, err)
		}
		return
	}
	defer result.Content.Close()

	w.Header().Set("Content-Type", contentType(result.FileName))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": result.FileName}))
	if result.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Content); err != nil {
		logger.Error("download: send file",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (h *handler) engineStatus(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "engine_status")
	modality := domain.Modality(chi.URLParam(r, "modality"))

	st, err := h.usecase.EngineStatus(r.Context(), modality)
	if err != nil {
		if !modality.Valid() {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeDomainError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type healthResponse struct {
	Status  string                `json:"status"`
	Engines []domain.EngineStatus `json:"engines"`
}

// health reports ok while at least one engine is available.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	engines := h.usecase.Engines(r.Context())
	resp := healthResponse{Status: "unavailable", Engines: engines}
	status := http.StatusServiceUnavailable
	for _, e := range engines {
		if e.Available {
			resp.Status = "ok"
			status = http.StatusOK
			break
		}
	}
	writeJSON(w, status, resp)
}

func (h *handler) parseForm(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*multipart.Form, bool) {
	if r.ContentLength > h.maxUploadBytes {
		logger.Warn("upload too large", slog.Int64("content_length", r.ContentLength))
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("upload too large", slog.Int64("limit", tooLarge.Limit))
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return nil, false
		}
		logger.Error("ParseMultipartForm", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "unable to parse multipart form")
		return nil, false
	}
	return r.MultipartForm, true
}

// parseOptions reads the engine options and the sync wait from the form.
func parseOptions(r *http.Request, modality domain.Modality) (domain.Options, time.Duration, error) {
	opts := domain.Options{
		Language: strings.TrimSpace(r.FormValue("language")),
		EndPage:  -1,
	}

	switch task := strings.TrimSpace(r.FormValue("task")); task {
	case "", "transcribe":
	case "translate":
		if modality != domain.ModalityASR {
			return opts, 0, domain.InputError("", "task %q is only supported for asr", task)
		}
		opts.Translate = true
	default:
		return opts, 0, domain.InputError("", "unknown task %q", task)
	}

	if modality == domain.ModalityPDF {
		var err error
		if opts.StartPage, err = formInt(r, "start_page", 0); err != nil {
			return opts, 0, err
		}
		if opts.EndPage, err = formInt(r, "end_page", -1); err != nil {
			return opts, 0, err
		}
		if opts.DPI, err = formInt(r, "dpi", 0); err != nil {
			return opts, 0, err
		}
		if opts.DPI < 0 {
			return opts, 0, domain.InputError("", "dpi must be positive")
		}
	}

	timeout, err := parseTimeout(r.FormValue("timeout"))
	if err != nil {
		return opts, 0, err
	}
	return opts, timeout, nil
}

func formInt(r *http.Request, field string, def int) (int, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.InputError("", "field `%s` must be an integer", field)
	}
	return n, nil
}

// parseTimeout accepts seconds ("30", "1.5") or a Go duration ("2m").
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0, domain.InputError("", "timeout must be positive")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, domain.InputError("", "invalid timeout %q", raw)
	}
	return d, nil
}

func openUpload(fh *multipart.FileHeader) (domain.Upload, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return domain.Upload{}, nil, err
	}
	return domain.Upload{
		Name:    fh.Filename,
		Size:    fh.Size,
		Content: f,
	}, func() { _ = f.Close() }, nil
}

func requestLogger(r *http.Request, handler string) *slog.Logger {
	return slog.With(
		slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		slog.String("handler", handler),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

var contentTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pdf":  "application/pdf",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
