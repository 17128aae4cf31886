package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/you-humble/convhub/internal/domain"
)

// commandResult is the captured output of one process run.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution so engines can be tested
// without the real binaries.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
	LookPath(name string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// ArtifactStore receives the files engines produce.
type ArtifactStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
}

// commandError describes a failed process run, keeping the tail of stderr.
func commandError(name string, res commandResult, err error) error {
	stderr := strings.TrimSpace(res.Stderr)
	if len(stderr) > 512 {
		stderr = "..." + stderr[len(stderr)-512:]
	}
	if stderr == "" {
		return fmt.Errorf("%s exited with code %d: %w", name, res.ExitCode, err)
	}
	return fmt.Errorf("%s exited with code %d: %s: %w", name, res.ExitCode, stderr, err)
}

func saveFile(ctx context.Context, store ArtifactStore, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}

	if _, _, err := store.Save(ctx, f, name, info.Size()); err != nil {
		return fmt.Errorf("save artifact %s: %w", name, err)
	}
	return nil
}

func saveText(ctx context.Context, store ArtifactStore, name, text string) error {
	if _, _, err := store.Save(ctx, strings.NewReader(text), name, int64(len(text))); err != nil {
		return fmt.Errorf("save artifact %s: %w", name, err)
	}
	return nil
}

// artifactName derives the output name from the stored input name, so each
// job's artifact is as unique as its upload.
func artifactName(in string, ext string) string {
	base := in
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	if base == "" {
		base = "output"
	}
	return "outputs/" + base + ext
}

// checkFormat rejects inputs whose name does not carry an extension the
// modality accepts.
func checkFormat(m domain.Modality, in domain.Input) error {
	name := in.Name
	if name == "" {
		name = in.Path
	}
	return m.CheckFormat(name)
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
