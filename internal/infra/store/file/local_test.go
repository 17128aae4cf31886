package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSaveOpenDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	body := "recognized text"
	written, hash, err := s.Save(ctx, strings.NewReader(body), "outputs/a.txt", int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), written)

	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	rc, size, err := s.Open(ctx, "outputs/a.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, string(got))
	assert.Equal(t, int64(len(body)), size)

	require.NoError(t, s.Delete(ctx, "outputs/a.txt"))
	require.NoError(t, s.Delete(ctx, "outputs/a.txt"), "deleting twice is fine")

	_, _, err = s.Open(ctx, "outputs/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalPathRejectsEscapes(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "  ", "../etc/passwd", "/etc/passwd", ".."} {
		_, err := s.Path(name)
		assert.Error(t, err, name)
	}

	p, err := s.Path("inputs/x.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, s.baseDir))
}

func TestLocalSaveShortWrite(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Save(context.Background(), strings.NewReader("abc"), "x.bin", 10)
	require.Error(t, err)

	_, _, err = s.Open(context.Background(), "x.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalCleanupOlderThan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, _, err = s.Save(ctx, strings.NewReader("old"), "inputs/old.png", 0)
	require.NoError(t, err)
	_, _, err = s.Save(ctx, strings.NewReader("new"), "inputs/new.png", 0)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "inputs", "old.png"), past, past))

	require.NoError(t, s.CleanupOlderThan(ctx, time.Hour))

	_, _, err = s.Open(ctx, "inputs/old.png")
	assert.ErrorIs(t, err, ErrNotFound)
	rc, _, err := s.Open(ctx, "inputs/new.png")
	require.NoError(t, err)
	_ = rc.Close()
}
