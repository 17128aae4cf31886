package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode"

	"github.com/you-humble/convhub/internal/domain"

	"github.com/gen2brain/go-fitz"
)

const defaultDPI = 300

type PDFConfig struct {
	Binary string // pdf2docx cli
	DPI    int
}

type pdfStats struct {
	pages int
	chars int
}

// inspectFunc opens the document, validates the page range and counts the
// characters of the pages that will be converted.
type inspectFunc func(path string, start, end int) (pdfStats, error)

// PDF converts documents to docx with pdf2docx. go-fitz reads the page
// count and text statistics.
type PDF struct {
	cfg     PDFConfig
	store   ArtifactStore
	runner  commandRunner
	inspect inspectFunc
}

func NewPDF(cfg PDFConfig, store ArtifactStore) *PDF {
	if cfg.Binary == "" {
		cfg.Binary = "pdf2docx"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = defaultDPI
	}
	return &PDF{cfg: cfg, store: store, runner: execRunner{}, inspect: fitzInspect}
}

func (e *PDF) Load(ctx context.Context) error {
	if _, err := e.runner.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("pdf: %s not found: %w", e.cfg.Binary, err)
	}
	return nil
}

func (e *PDF) Process(ctx context.Context, in domain.Input) (*domain.Result, error) {
	started := time.Now()
	if err := checkFormat(domain.ModalityPDF, in); err != nil {
		return nil, err
	}

	first, last, err := pageRange(in.Options)
	if err != nil {
		return nil, err
	}

	pages, err := e.pageCount(in.Path)
	if err != nil {
		return nil, err
	}
	if last < 0 || last >= pages {
		last = pages - 1
	}
	if first >= pages {
		return nil, domain.InputError("", "start page %d is beyond the last page %d", first, pages-1)
	}

	stats, err := e.inspect(in.Path, first, last)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindInput, Code: domain.CodeCorruptInput, Message: "pdf could not be read", Err: err}
	}

	dpi := in.Options.DPI
	if dpi <= 0 {
		dpi = e.cfg.DPI
	}

	tmp, err := os.MkdirTemp("", "convhub-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(tmp)

	out := filepath.Join(tmp, "document.docx")
	res, err := e.runner.Run(ctx, e.cfg.Binary, pdf2docxArgs(in.Path, out, first, last, dpi)...)
	if err != nil {
		return nil, domain.EngineError(domain.CodeInternalEngineFailure, commandError(e.cfg.Binary, res, err))
	}
	if err := requireFile(out); err != nil {
		return nil, domain.EngineError(domain.CodeInternalEngineFailure,
			fmt.Errorf("pdf2docx finished without output: %w", err))
	}

	name := artifactName(storedName(in), ".docx")
	if err := saveFile(ctx, e.store, out, name); err != nil {
		return nil, err
	}

	return &domain.Result{Document: &domain.Document{
		OutputFile:     name,
		PageCount:      stats.pages,
		ConvertedPages: last - first + 1,
		WordCount:      stats.chars,
		Duration:       time.Since(started).Seconds(),
	}}, nil
}

func (e *PDF) pageCount(path string) (int, error) {
	stats, err := e.inspect(path, 0, -1)
	if err != nil {
		return 0, &domain.Error{Kind: domain.KindInput, Code: domain.CodeCorruptInput, Message: "pdf could not be read", Err: err}
	}
	if stats.pages == 0 {
		return 0, domain.InputError(domain.CodeCorruptInput, "pdf has no pages")
	}
	return stats.pages, nil
}

// pageRange validates the zero-based inclusive page range. A negative end
// means the last page.
func pageRange(opts domain.Options) (int, int, error) {
	if opts.StartPage < 0 {
		return 0, 0, domain.InputError("", "start page must not be negative")
	}
	if opts.EndPage >= 0 && opts.EndPage < opts.StartPage {
		return 0, 0, domain.InputError("", "end page %d is before start page %d", opts.EndPage, opts.StartPage)
	}
	return opts.StartPage, opts.EndPage, nil
}

// pdf2docx takes an exclusive end page.
func pdf2docxArgs(pdf, docx string, first, last, dpi int) []string {
	return []string{
		"convert", pdf, docx,
		"--start=" + strconv.Itoa(first),
		"--end=" + strconv.Itoa(last+1),
		"--multi_processing=False",
		"--clip_image_res_ratio=" + strconv.FormatFloat(float64(dpi)/72, 'f', 2, 64),
	}
}

// fitzInspect counts pages, and characters of pages first..last when last
// is not negative. Whitespace is not counted.
func fitzInspect(path string, first, last int) (pdfStats, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return pdfStats{}, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	stats := pdfStats{pages: doc.NumPage()}
	if last < 0 {
		return stats, nil
	}

	for n := first; n <= last && n < stats.pages; n++ {
		text, err := doc.Text(n)
		if err != nil {
			return pdfStats{}, fmt.Errorf("read page %d: %w", n, err)
		}
		for _, r := range text {
			if !unicode.IsSpace(r) {
				stats.chars++
			}
		}
	}
	return stats, nil
}
