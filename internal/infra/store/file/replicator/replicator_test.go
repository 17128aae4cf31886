package replicator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu       sync.Mutex
	files    map[string][]byte
	failSave int
}

func newMem() *memStorage { return &memStorage{files: map[string][]byte{}} }

func (m *memStorage) Save(ctx context.Context, r io.Reader, filename string, size int64) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave > 0 {
		m.failSave--
		return 0, "", errors.New("remote unavailable")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, "", err
	}
	m.files[filename] = b
	return int64(len(b)), "", nil
}

func (m *memStorage) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[filename]
	if !ok {
		return nil, 0, errors.New("file not found")
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (m *memStorage) Delete(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, filename)
	return nil
}

func (m *memStorage) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

func TestReplicatorCopiesAndDeletes(t *testing.T) {
	local, remote := newMem(), newMem()
	local.files["out.txt"] = []byte("hello")
	remote.failSave = 1

	r := New(local, remote, 10, 2, 3)
	r.Start(context.Background())

	require.True(t, r.Enqueue(Task{Op: OpCopy, Filename: "out.txt"}))
	require.Eventually(t, func() bool { return remote.has("out.txt") }, time.Second, 5*time.Millisecond)

	require.True(t, r.Enqueue(Task{Op: OpDelete, Filename: "out.txt"}))
	require.Eventually(t, func() bool { return !remote.has("out.txt") }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.Enqueue(Task{Filename: "late.txt"}))
}

func TestReplicatorGivesUpAfterMaxRetries(t *testing.T) {
	local, remote := newMem(), newMem()
	local.files["a"] = []byte("x")
	remote.failSave = 100

	r := New(local, remote, 10, 1, 2)
	r.Start(context.Background())
	require.True(t, r.Enqueue(Task{Filename: "a"}))

	require.Eventually(t, func() bool { return r.failed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 97, remote.failSave)
	require.NoError(t, r.Stop(context.Background()))
}
