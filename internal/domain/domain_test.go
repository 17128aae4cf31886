package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobState]bool{
		{StateQueued, StateRunning}:    true,
		{StateRunning, StateSucceeded}: true,
		{StateRunning, StateFailed}:    true,
		{StateSucceeded, StateExpired}: true,
		{StateFailed, StateExpired}:    true,
	}
	states := []JobState{StateQueued, StateRunning, StateSucceeded, StateFailed, StateExpired}

	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]JobState{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestErrorIsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", InputError(CodeCorruptInput, "bad image %d", 3))

	assert.True(t, errors.Is(err, &Error{Kind: KindInput}))
	assert.True(t, errors.Is(err, &Error{Kind: KindInput, Code: CodeCorruptInput}))
	assert.False(t, errors.Is(err, ErrUnsupported))
	assert.False(t, errors.Is(err, ErrJobNotFound))
	assert.Equal(t, KindInput, KindOf(err))
	assert.Equal(t, "input_error (corrupt_input): bad image 3", AsError(err).Error())
}

func TestExpiredIsNotFound(t *testing.T) {
	assert.True(t, errors.Is(ErrJobExpired, ErrJobNotFound))
	assert.False(t, errors.Is(ErrJobNotFound, ErrJobExpired))
}

func TestAsErrorWrapsPlainErrors(t *testing.T) {
	cause := errors.New("segfault in model")
	e := AsError(cause)

	assert.Equal(t, KindEngine, e.Kind)
	assert.Equal(t, CodeInternalEngineFailure, e.Code)
	assert.ErrorIs(t, e, cause)
	assert.Nil(t, AsError(nil))
}

func TestResultOutcomesAndArtifacts(t *testing.T) {
	r := &Result{Items: []BatchItem{
		{Index: 0, Result: &Result{Recognition: &Recognition{OutputFile: "a.txt"}}},
		{Index: 1, Error: InputError(CodeCorruptInput, "broken")},
		{Index: 2, Result: &Result{Recognition: &Recognition{OutputFile: "c.txt"}}},
	}}

	ok, failed := r.Outcomes()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"a.txt", "c.txt"}, r.Artifacts())
	assert.Empty(t, r.Artifact())
}

func TestModalityCheckFormat(t *testing.T) {
	assert.NoError(t, ModalityOCR.CheckFormat("Scan.PNG"))
	assert.NoError(t, ModalityPDF.CheckFormat("dir/report.pdf"))
	assert.NoError(t, ModalityASR.CheckFormat("talk.m4a"))

	err := ModalityOCR.CheckFormat("notes.txt")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, KindInput, KindOf(err))

	assert.False(t, ModalityPDF.Accepts("image.png"))
	assert.Contains(t, ModalityOCR.Extensions(), ".webp")
}
