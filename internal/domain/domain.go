package domain

import (
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

type Modality string

const (
	ModalityASR Modality = "asr"
	ModalityPDF Modality = "pdf"
	ModalityOCR Modality = "ocr"
)

var Modalities = []Modality{ModalityASR, ModalityPDF, ModalityOCR}

func (m Modality) Valid() bool {
	switch m {
	case ModalityASR, ModalityPDF, ModalityOCR:
		return true
	default:
		return false
	}
}

// SupportsBatch reports whether several inputs of this modality may be
// submitted as one job.
func (m Modality) SupportsBatch() bool {
	return m == ModalityOCR
}

var extensions = map[Modality][]string{
	ModalityASR: {".mp3", ".wav", ".m4a", ".flac", ".ogg", ".aac", ".wma", ".mp4", ".webm"},
	ModalityPDF: {".pdf"},
	ModalityOCR: {".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".tif", ".webp", ".gif"},
}

// Extensions lists the file extensions a modality accepts.
func (m Modality) Extensions() []string {
	return slices.Clone(extensions[m])
}

// Accepts reports whether filename has an extension the modality accepts.
func (m Modality) Accepts(filename string) bool {
	return slices.Contains(extensions[m], strings.ToLower(filepath.Ext(filename)))
}

// CheckFormat returns an unsupported_format input error when filename is not
// accepted by m.
func (m Modality) CheckFormat(filename string) error {
	if m.Accepts(filename) {
		return nil
	}
	return InputError(CodeUnsupportedFormat, "unsupported %s file %q, allowed: %s",
		m, filepath.Base(filename), strings.Join(extensions[m], ", "))
}

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateExpired   JobState = "expired"
)

func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition is the job state machine:
// queued -> running -> {succeeded, failed} -> expired.
func CanTransition(from, to JobState) bool {
	switch from {
	case StateQueued:
		return to == StateRunning
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	case StateSucceeded, StateFailed:
		return to == StateExpired
	default:
		return false
	}
}

type Options struct {
	Language string
	// asr only: translate the speech to English instead of transcribing it
	Translate bool

	// pdf only
	StartPage int
	EndPage   int // inclusive, negative means the last page
	DPI       int
}

type Input struct {
	Name     string // name given by the client
	StoredAs string // name inside the file store
	Path     string // local path the engine reads from
	Size     int64
	Options  Options
}

type Job struct {
	ID       string
	Modality Modality
	State    JobState
	Batch    bool
	Inputs   []Input

	Result *Result
	Error  *Error

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

type CreateJobParams struct {
	Modality Modality
	Inputs   []Input
	Batch    bool
}

// Clone returns a copy that shares no mutable slices with j.
// Result and Error are treated as immutable once set.
func (j Job) Clone() Job {
	c := j
	if j.Inputs != nil {
		c.Inputs = make([]Input, len(j.Inputs))
		copy(c.Inputs, j.Inputs)
	}
	return c
}

func (j Job) View() JobView {
	v := JobView{
		ID:        j.ID,
		Modality:  j.Modality,
		State:     j.State,
		Batch:     j.Batch,
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
	}
	for _, in := range j.Inputs {
		v.Files = append(v.Files, in.Name)
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		v.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

// Outcome is the payload of a terminal transition. Exactly one field is set.
type Outcome struct {
	Result *Result
	Err    *Error
}

type Transcript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
	OutputFile string  `json:"output_file,omitempty"`
}

type Document struct {
	OutputFile     string  `json:"output_file"`
	PageCount      int     `json:"page_count"`
	ConvertedPages int     `json:"converted_pages"`
	WordCount      int     `json:"word_count"`
	Duration       float64 `json:"duration"`
}

type TextRegion struct {
	Text       string        `json:"text"`
	Box        [4][2]float64 `json:"box"`
	Confidence float64       `json:"confidence"`
}

type Recognition struct {
	Text       string       `json:"text"`
	Regions    []TextRegion `json:"regions"`
	Confidence float64      `json:"confidence"`
	Duration   float64      `json:"duration"`
	OutputFile string       `json:"output_file,omitempty"`
}

type Result struct {
	Transcript  *Transcript  `json:"transcript,omitempty"`
	Document    *Document    `json:"document,omitempty"`
	Recognition *Recognition `json:"recognition,omitempty"`
	Items       []BatchItem  `json:"items,omitempty"`
}

// Artifact returns the file-store name of the downloadable output, if any.
func (r *Result) Artifact() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Transcript != nil:
		return r.Transcript.OutputFile
	case r.Document != nil:
		return r.Document.OutputFile
	case r.Recognition != nil:
		return r.Recognition.OutputFile
	default:
		return ""
	}
}

// Artifacts lists every output file referenced by r, batch items included.
func (r *Result) Artifacts() []string {
	if r == nil {
		return nil
	}
	var out []string
	if a := r.Artifact(); a != "" {
		out = append(out, a)
	}
	for _, it := range r.Items {
		out = append(out, it.Result.Artifacts()...)
	}
	return out
}

// BatchItem is one input's outcome inside a batch job.
type BatchItem struct {
	Index  int     `json:"index"`
	Name   string  `json:"name"`
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

func (b BatchItem) Succeeded() bool {
	return b.Error == nil && b.Result != nil
}

// Outcomes counts succeeded and failed batch items.
func (r *Result) Outcomes() (succeeded, failed int) {
	if r == nil {
		return 0, 0
	}
	for _, it := range r.Items {
		if it.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

type JobView struct {
	ID          string     `json:"id"`
	Modality    Modality   `json:"modality"`
	State       JobState   `json:"state"`
	Batch       bool       `json:"batch,omitempty"`
	Files       []string   `json:"files,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       *Error     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type SubmitResponse struct {
	ID    string   `json:"id"`
	State JobState `json:"state"`
}

type EngineStatus struct {
	Modality       Modality `json:"modality"`
	Available      bool     `json:"available"`
	Reason         string   `json:"reason,omitempty"`
	Loaded         bool     `json:"loaded"`
	InFlight       int      `json:"in_flight"`
	MaxConcurrency int      `json:"max_concurrency"`
}

type DownloadResult struct {
	FileName string
	Size     int64
	Content  io.ReadCloser
}

type ErrorResponse struct {
	Error   string    `json:"error"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Code    string    `json:"code,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
}

// Upload is a client file as received by the HTTP layer.
type Upload struct {
	Name    string
	Size    int64
	Content io.Reader
}
