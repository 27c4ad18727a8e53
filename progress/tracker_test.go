package progress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(opts Options) (*Tracker, *fakeClock) {
	opts.Logger = zerolog.Nop()
	tr := NewTracker(opts)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr.now = clock.Now
	return tr, clock
}

func TestTracker_GetUnknown(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	_, err := tr.Get("combine_nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTracker_Lifecycle(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	gen := tr.Begin("combine_p1")
	e, err := tr.Get("combine_p1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.Progress)
	assert.Equal(t, "Initializing", e.Stage)
	assert.Equal(t, StatusProcessing, e.Status)

	tr.Set("combine_p1", gen, 30, "Combining videos")
	e, _ = tr.Get("combine_p1")
	assert.Equal(t, 30, e.Progress)
	assert.Equal(t, StatusProcessing, e.Status)

	tr.Set("combine_p1", gen, 100, "Complete")
	e, _ = tr.Get("combine_p1")
	assert.Equal(t, 100, e.Progress)
	assert.Equal(t, StatusComplete, e.Status)
}

func TestTracker_PercentNeverDecreases(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	gen := tr.Begin("audio_p1")
	tr.Set("audio_p1", gen, 50, "Adding audio")
	tr.Set("audio_p1", gen, 10, "Starting audio addition")

	e, err := tr.Get("audio_p1")
	require.NoError(t, err)
	assert.Equal(t, 50, e.Progress)
	assert.Equal(t, "Starting audio addition", e.Stage)
}

func TestTracker_BeginResetsPreviousRun(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	gen := tr.Begin("combine_p1")
	tr.Set("combine_p1", gen, 100, "Complete")
	tr.Begin("combine_p1")

	e, err := tr.Get("combine_p1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.Progress)
	assert.Equal(t, StatusProcessing, e.Status)
}

func TestTracker_Fail(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	gen := tr.Begin("combine_p1")
	tr.Set("combine_p1", gen, 30, "Combining videos")
	tr.Fail("combine_p1", gen, errors.New("ffmpeg exited with status 1"))

	e, err := tr.Get("combine_p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 30, e.Progress)
	assert.Equal(t, "ffmpeg exited with status 1", e.Error)
}

func TestTracker_IgnoresUpdatesWithoutBegin(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	tr.Set("combine_ghost", 1, 30, "Combining videos")
	tr.Fail("combine_ghost", 1, errors.New("boom"))

	_, err := tr.Get("combine_ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Zero(t, tr.Len())
}

func TestTracker_OverlappingRunsSameID(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	first := tr.Begin("combine_p1")
	tr.Set("combine_p1", first, 40, "Combining videos")
	second := tr.Begin("combine_p1")
	tr.Set("combine_p1", second, 10, "Downloading videos")

	// the superseded run failing must not mark the newer run failed
	tr.Fail("combine_p1", first, errors.New("fetch failed"))
	e, err := tr.Get("combine_p1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, e.Status)
	assert.Equal(t, 10, e.Progress)
	assert.Empty(t, e.Error)

	tr.Set("combine_p1", first, 90, "Uploading result")
	e, _ = tr.Get("combine_p1")
	assert.Equal(t, 10, e.Progress)

	tr.Set("combine_p1", second, 100, "Complete")
	e, _ = tr.Get("combine_p1")
	assert.Equal(t, StatusComplete, e.Status)
}

func TestTracker_FinishedRunIsFinal(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	gen := tr.Begin("audio_p1")
	tr.Set("audio_p1", gen, 50, "Adding audio")
	tr.Fail("audio_p1", gen, errors.New("ffmpeg exited with status 1"))
	tr.Set("audio_p1", gen, 100, "Complete")

	e, err := tr.Get("audio_p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 50, e.Progress)
}

func TestTracker_ExpiresFinishedEntries(t *testing.T) {
	tr, clock := newTestTracker(Options{TTL: time.Minute})

	done := tr.Begin("done")
	tr.Set("done", done, 100, "Complete")
	running := tr.Begin("running")
	tr.Set("running", running, 30, "Combining videos")

	clock.Advance(2 * time.Minute)

	_, err := tr.Get("done")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = tr.Get("running")
	assert.NoError(t, err, "in-flight entries never expire")

	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_EvictsWhenFull(t *testing.T) {
	t.Run("prefers oldest finished entry", func(t *testing.T) {
		tr, clock := newTestTracker(Options{MaxEntries: 2})

		tr.Begin("a")
		clock.Advance(time.Second)
		b := tr.Begin("b")
		tr.Set("b", b, 100, "Complete")
		clock.Advance(time.Second)
		tr.Begin("c")

		assert.Equal(t, 2, tr.Len())
		_, err := tr.Get("b")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		_, err = tr.Get("a")
		assert.NoError(t, err)
	})

	t.Run("falls back to oldest entry", func(t *testing.T) {
		tr, clock := newTestTracker(Options{MaxEntries: 2})

		tr.Begin("a")
		clock.Advance(time.Second)
		tr.Begin("b")
		clock.Advance(time.Second)
		tr.Begin("c")

		_, err := tr.Get("a")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		_, err = tr.Get("c")
		assert.NoError(t, err)
	})
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr, _ := newTestTracker(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("combine_%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			gen := tr.Begin(id)
			for p := 10; p <= 100; p += 10 {
				tr.Set(id, gen, p, "step")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = tr.Get(id)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		e, err := tr.Get(fmt.Sprintf("combine_%d", i))
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, e.Status)
	}
}
