package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/you-humble/convhub/internal/domain"
	"github.com/you-humble/convhub/internal/jobstore"
	"github.com/you-humble/convhub/internal/slot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	engine := &fakeEngine{fails: map[string]error{
		"corrupt.png": domain.InputError(domain.CodeCorruptInput, "cannot decode image"),
	}}
	d, _ := newDispatcher(t, Config{}, engine)

	inputs := []domain.Input{{Name: "one.png"}, {Name: "corrupt.png"}, {Name: "three.png"}}
	view, err := d.SubmitBatchSync(context.Background(), domain.ModalityOCR, inputs, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, view.State)
	assert.True(t, view.Batch)

	items := view.Result.Items
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, inputs[i].Name, it.Name)
	}

	assert.True(t, items[0].Succeeded())
	assert.Equal(t, "text of one.png", items[0].Result.Recognition.Text)
	assert.False(t, items[1].Succeeded())
	assert.Equal(t, domain.KindInput, items[1].Error.Kind)
	assert.True(t, items[2].Succeeded())

	ok, failed := view.Result.Outcomes()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
}

func TestBatchOrderSurvivesOutOfOrderCompletion(t *testing.T) {
	engine := &fakeEngine{delays: map[string]time.Duration{
		"first.png":  80 * time.Millisecond,
		"second.png": 10 * time.Millisecond,
	}}
	d, _ := newDispatcher(t, Config{}, engine)

	inputs := []domain.Input{{Name: "first.png"}, {Name: "second.png"}, {Name: "third.png"}}
	view, err := d.SubmitBatchSync(context.Background(), domain.ModalityOCR, inputs, 2*time.Second)
	require.NoError(t, err)

	items := view.Result.Items
	require.Len(t, items, len(inputs))
	for i, it := range items {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, inputs[i].Name, it.Name)
		require.True(t, it.Succeeded())
		assert.Equal(t, "text of "+inputs[i].Name, it.Result.Recognition.Text)
	}
}

func TestBatchRespectsSlotConcurrency(t *testing.T) {
	engine := &fakeEngine{delay: 10 * time.Millisecond}
	ocr := slot.New(domain.ModalityOCR, engine, 2)
	d := New(context.Background(), Config{}, jobstore.New(0), ocr)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	inputs := make([]domain.Input, 10)
	for i := range inputs {
		inputs[i] = domain.Input{Name: fmt.Sprintf("page-%d.png", i)}
	}

	view, err := d.SubmitBatchSync(context.Background(), domain.ModalityOCR, inputs, 2*time.Second)
	require.NoError(t, err)

	ok, failed := view.Result.Outcomes()
	assert.Equal(t, 10, ok)
	assert.Zero(t, failed)
	assert.Equal(t, int32(10), engine.calls.Load())
	assert.LessOrEqual(t, ocr.Peak(), 2)
	assert.Eventually(t, func() bool { return ocr.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBatchItemMaxRuntime(t *testing.T) {
	engine := &fakeEngine{delays: map[string]time.Duration{"hang.png": 300 * time.Millisecond}}
	d, _ := newDispatcher(t, Config{MaxRuntime: 100 * time.Millisecond}, engine)

	inputs := []domain.Input{{Name: "hang.png"}, {Name: "a.png"}, {Name: "b.png"}}
	view, err := d.SubmitBatchSync(context.Background(), domain.ModalityOCR, inputs, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, view.State)

	items := view.Result.Items
	require.Len(t, items, 3)
	require.NotNil(t, items[0].Error)
	assert.Equal(t, domain.KindTimeout, items[0].Error.Kind)
	assert.Equal(t, domain.CodeMaxRuntimeExceeded, items[0].Error.Code)
	assert.True(t, items[1].Succeeded())
	assert.True(t, items[2].Succeeded())
}

func TestBatchAllFailedStillSucceeds(t *testing.T) {
	engine := &fakeEngine{fails: map[string]error{
		"a.png": fmt.Errorf("tesseract crashed"),
		"b.png": fmt.Errorf("tesseract crashed"),
	}}
	d, _ := newDispatcher(t, Config{}, engine)

	view, err := d.SubmitBatchSync(context.Background(), domain.ModalityOCR,
		[]domain.Input{{Name: "a.png"}, {Name: "b.png"}}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, view.State)

	ok, failed := view.Result.Outcomes()
	assert.Equal(t, 0, ok)
	assert.Equal(t, 2, failed)
	assert.Equal(t, domain.KindEngine, view.Result.Items[0].Error.Kind)
}

func TestBatchAsync(t *testing.T) {
	d, _ := newDispatcher(t, Config{}, &fakeEngine{})

	id, err := d.SubmitBatch(domain.ModalityOCR, []domain.Input{{Name: "a.png"}, {Name: "b.png"}})
	require.NoError(t, err)

	view := waitState(t, d, id, domain.StateSucceeded)
	assert.Len(t, view.Result.Items, 2)
}

func TestBatchValidation(t *testing.T) {
	d, _ := newDispatcher(t, Config{MaxBatchSize: 2}, &fakeEngine{})

	_, err := d.SubmitBatch(domain.ModalityOCR, nil)
	assert.Equal(t, domain.KindInput, domain.KindOf(err))

	_, err = d.SubmitBatch(domain.ModalityOCR, []domain.Input{{Name: "1"}, {Name: "2"}, {Name: "3"}})
	assert.Equal(t, domain.KindInput, domain.KindOf(err))

	_, err = d.SubmitBatch(domain.ModalityASR, []domain.Input{{Name: "a.wav"}})
	assert.Equal(t, domain.KindInput, domain.KindOf(err))
}
