package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/convhub/internal/domain"
)

type OCRConfig struct {
	Binary   string // tesseract
	Language string // tesseract language codes, e.g. "eng" or "chi_sim+eng"
	DataDir  string
}

// OCR recognizes text with the tesseract CLI and reports it line by line.
type OCR struct {
	cfg    OCRConfig
	store  ArtifactStore
	runner commandRunner

	langs map[string]bool
}

func NewOCR(cfg OCRConfig, store ArtifactStore) *OCR {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &OCR{cfg: cfg, store: store, runner: execRunner{}}
}

// Load checks the binary and that the default language data is installed.
func (e *OCR) Load(ctx context.Context) error {
	if _, err := e.runner.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("ocr: %s not found: %w", e.cfg.Binary, err)
	}

	res, err := e.runner.Run(ctx, e.cfg.Binary, e.withDataDir("--list-langs")...)
	if err != nil {
		return fmt.Errorf("ocr: list languages: %w", commandError(e.cfg.Binary, res, err))
	}

	langs := parseLanguages(res.Stdout)
	for _, l := range strings.Split(e.cfg.Language, "+") {
		if !langs[l] {
			return fmt.Errorf("ocr: language data %q is not installed", l)
		}
	}
	e.langs = langs
	return nil
}

func (e *OCR) Process(ctx context.Context, in domain.Input) (*domain.Result, error) {
	start := time.Now()
	if err := checkFormat(domain.ModalityOCR, in); err != nil {
		return nil, err
	}

	lang := e.cfg.Language
	if l := strings.TrimSpace(in.Options.Language); l != "" {
		for _, part := range strings.Split(l, "+") {
			if !e.langs[part] {
				return nil, domain.InputError("", "ocr language %q is not installed", part)
			}
		}
		lang = l
	}

	res, err := e.runner.Run(ctx, e.cfg.Binary, e.withDataDir(in.Path, "stdout", "-l", lang, "tsv")...)
	if err != nil {
		if unreadableImage(res.Stderr) {
			return nil, &domain.Error{
				Kind:    domain.KindInput,
				Code:    domain.CodeCorruptInput,
				Message: "image could not be decoded",
				Err:     commandError(e.cfg.Binary, res, err),
			}
		}
		return nil, domain.EngineError(domain.CodeInternalEngineFailure, commandError(e.cfg.Binary, res, err))
	}

	regions, err := parseTSV(res.Stdout)
	if err != nil {
		return nil, domain.EngineError(domain.CodeInternalEngineFailure, err)
	}

	lines := make([]string, len(regions))
	var total float64
	for i, r := range regions {
		lines[i] = r.Text
		total += r.Confidence
	}
	text := strings.Join(lines, "\n")

	var avg float64
	if len(regions) > 0 {
		avg = round4(total / float64(len(regions)))
	}

	name := artifactName(storedName(in), ".txt")
	if err := saveText(ctx, e.store, name, text); err != nil {
		return nil, err
	}

	return &domain.Result{Recognition: &domain.Recognition{
		Text:       text,
		Regions:    regions,
		Confidence: avg,
		Duration:   time.Since(start).Seconds(),
		OutputFile: name,
	}}, nil
}

func (e *OCR) withDataDir(args ...string) []string {
	if e.cfg.DataDir == "" {
		return args
	}
	return append([]string{"--tessdata-dir", e.cfg.DataDir}, args...)
}

func parseLanguages(out string) map[string]bool {
	langs := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") {
			continue
		}
		langs[line] = true
	}
	return langs
}

func unreadableImage(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "cannot be read") ||
		strings.Contains(s, "pixread") ||
		strings.Contains(s, "unsupported image") ||
		strings.Contains(s, "image file") && strings.Contains(s, "error")
}

type lineKey struct {
	page, block, par, line int
}

type lineAcc struct {
	words       []string
	left, top   int
	right, bot  int
	confSum     float64
	confCounted int
}

// parseTSV groups tesseract's word rows (level 5) into lines in reading
// order. A line's box is the union of its word boxes, its confidence the
// mean word confidence scaled to [0, 1].
func parseTSV(out string) ([]domain.TextRegion, error) {
	rows := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(rows) == 0 || !strings.HasPrefix(rows[0], "level") {
		return nil, fmt.Errorf("unexpected tesseract output")
	}

	var order []lineKey
	acc := make(map[lineKey]*lineAcc)

	for n, row := range rows[1:] {
		cols := strings.Split(row, "\t")
		if len(cols) < 12 {
			continue
		}
		if cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		nums := make([]int, 10)
		for i := range nums {
			v, err := strconv.Atoi(cols[i])
			if err != nil {
				return nil, fmt.Errorf("tsv row %d column %d: %w", n+2, i+1, err)
			}
			nums[i] = v
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("tsv row %d confidence: %w", n+2, err)
		}

		key := lineKey{page: nums[1], block: nums[2], par: nums[3], line: nums[4]}
		left, top, width, height := nums[6], nums[7], nums[8], nums[9]

		a, ok := acc[key]
		if !ok {
			a = &lineAcc{left: left, top: top, right: left + width, bot: top + height}
			acc[key] = a
			order = append(order, key)
		}
		a.words = append(a.words, word)
		a.left = min(a.left, left)
		a.top = min(a.top, top)
		a.right = max(a.right, left+width)
		a.bot = max(a.bot, top+height)
		if conf >= 0 {
			a.confSum += conf
			a.confCounted++
		}
	}

	regions := make([]domain.TextRegion, 0, len(order))
	for _, key := range order {
		a := acc[key]
		var conf float64
		if a.confCounted > 0 {
			conf = round4(a.confSum / float64(a.confCounted) / 100)
		}
		l, t, r, b := float64(a.left), float64(a.top), float64(a.right), float64(a.bot)
		regions = append(regions, domain.TextRegion{
			Text:       strings.Join(a.words, " "),
			Box:        [4][2]float64{{l, t}, {r, t}, {r, b}, {l, b}},
			Confidence: conf,
		})
	}
	return regions, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
