package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/convhub/internal/domain"
)

type ASRConfig struct {
	Binary   string // whisper.cpp cli
	FFmpeg   string
	Model    string // model file, or a directory holding .bin/.gguf models
	Language string
	Threads  int
}

// ASR transcribes speech with whisper.cpp after normalizing the audio to
// 16 kHz mono PCM with ffmpeg.
type ASR struct {
	cfg    ASRConfig
	store  ArtifactStore
	runner commandRunner

	model string
}

func NewASR(cfg ASRConfig, store ArtifactStore) *ASR {
	if cfg.Binary == "" {
		cfg.Binary = "whisper-cli"
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	return &ASR{cfg: cfg, store: store, runner: execRunner{}}
}

// Load checks that both binaries and the model are present.
func (e *ASR) Load(ctx context.Context) error {
	for _, bin := range []string{e.cfg.FFmpeg, e.cfg.Binary} {
		if _, err := e.runner.LookPath(bin); err != nil {
			return fmt.Errorf("asr: %s not found: %w", bin, err)
		}
	}

	model, err := resolveModel(e.cfg.Model)
	if err != nil {
		return fmt.Errorf("asr: %w", err)
	}
	e.model = model
	return nil
}

func (e *ASR) Process(ctx context.Context, in domain.Input) (*domain.Result, error) {
	start := time.Now()
	if err := checkFormat(domain.ModalityASR, in); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "convhub-asr-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(tmp)

	wav := filepath.Join(tmp, "audio-16k.wav")
	res, err := e.runner.Run(ctx, e.cfg.FFmpeg, ffmpegArgs(in.Path, wav)...)
	if err != nil {
		return nil, &domain.Error{
			Kind:    domain.KindInput,
			Code:    domain.CodeCorruptInput,
			Message: "audio could not be decoded",
			Err:     commandError(e.cfg.FFmpeg, res, err),
		}
	}

	lang := normalizeLanguage(in.Options.Language)
	if lang == "" {
		lang = normalizeLanguage(e.cfg.Language)
	}

	base := filepath.Join(tmp, "transcript")
	res, err = e.runner.Run(ctx, e.cfg.Binary, e.whisperArgs(wav, base, lang, in.Options.Translate)...)
	if err != nil {
		return nil, domain.EngineError(domain.CodeInternalEngineFailure, commandError(e.cfg.Binary, res, err))
	}

	raw, err := os.ReadFile(base + ".txt")
	if err != nil {
		return nil, domain.EngineError(domain.CodeInternalEngineFailure,
			fmt.Errorf("whisper finished without a transcript: %w", err))
	}
	text := strings.TrimSpace(string(raw))

	name := artifactName(storedName(in), ".txt")
	if err := saveText(ctx, e.store, name, text); err != nil {
		return nil, err
	}

	if lang == "" {
		lang = detectedLanguage(res.Stderr)
	}

	return &domain.Result{Transcript: &domain.Transcript{
		Text:       text,
		Language:   lang,
		Duration:   time.Since(start).Seconds(),
		OutputFile: name,
	}}, nil
}

func (e *ASR) whisperArgs(audio, outBase, lang string, translate bool) []string {
	args := []string{
		"-m", e.model,
		"-f", audio,
		"-of", outBase,
		"-otxt",
		"-np",
	}
	if lang != "" {
		args = append(args, "-l", lang)
	} else {
		args = append(args, "-l", "auto")
	}
	if translate {
		args = append(args, "-tr")
	}
	if e.cfg.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(e.cfg.Threads))
	}
	return args
}

func ffmpegArgs(input, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		output,
	}
}

// normalizeLanguage maps "auto" and empty values to no override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// detectedLanguage extracts the language whisper.cpp reports on stderr, e.g.
// "whisper_full_with_state: auto-detected language: en (p = 0.97)".
func detectedLanguage(stderr string) string {
	const marker = "auto-detected language:"
	i := strings.Index(stderr, marker)
	if i < 0 {
		return "auto"
	}
	fields := strings.Fields(stderr[i+len(marker):])
	if len(fields) == 0 {
		return "auto"
	}
	return fields[0]
}

// resolveModel returns the model file, picking the first .bin or .gguf file
// by name when path is a directory.
func resolveModel(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("model path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot access model %s: %w", path, err)
	}
	if !info.IsDir() {
		return path, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("read model dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".bin", ".gguf":
			return filepath.Join(path, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no .bin or .gguf model in %s", path)
}

func storedName(in domain.Input) string {
	if in.StoredAs != "" {
		return in.StoredAs
	}
	return in.Name
}
