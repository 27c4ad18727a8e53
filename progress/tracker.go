// Package progress keeps the ephemeral per-task progress shown to polling clients.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrTaskNotFound = errors.New("task not found")

type Status string

const (
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

const (
	defaultMaxEntries    = 10000
	defaultSweepInterval = time.Minute
)

// Entry is a snapshot of one task's progress.
type Entry struct {
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`

	startedAt  time.Time
	finishedAt time.Time
	generation uint64
}

func (e *Entry) finished() bool {
	return e.Status != StatusProcessing
}

type Options struct {
	// TTL is how long a finished entry stays readable. Zero keeps entries until evicted by MaxEntries.
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// Tracker is a bounded, concurrency-safe map from task id to progress.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	opts    Options
	now     func() time.Time

	generation uint64
}

func NewTracker(opts Options) *Tracker {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		opts:    opts,
		now:     time.Now,
	}
}

// Start runs the expiry janitor until ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					t.opts.Logger.Debug().Int("expired", n).Msg("progress entries expired")
				}
			}
		}
	}()
}

// Begin starts a new run for id, replacing whatever a previous run left
// behind, and returns the run's generation. Set and Fail only apply to the
// generation that currently owns the entry.
func (t *Tracker) Begin(id string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if _, exists := t.entries[id]; !exists {
		t.makeRoomLocked()
	}
	t.generation++
	t.entries[id] = &Entry{
		Progress:   0,
		Stage:      "Initializing",
		Status:     StatusProcessing,
		UpdatedAt:  now,
		startedAt:  now,
		generation: t.generation,
	}
	return t.generation
}

// current returns the entry for id if gen still owns it.
func (t *Tracker) current(id string, gen uint64) (*Entry, bool) {
	e, ok := t.entries[id]
	if !ok || e.generation != gen {
		return nil, false
	}
	return e, true
}

// Set records a milestone. The percentage never moves backwards within a run;
// a lower value only updates the stage label. Updates for ids that were never
// begun, for superseded runs and for finished runs are dropped.
func (t *Tracker) Set(id string, gen uint64, percent int, stage string) {
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current(id, gen)
	if !ok || e.finished() {
		return
	}
	now := t.now()
	if percent > e.Progress {
		e.Progress = percent
	}
	e.Stage = stage
	e.UpdatedAt = now
	if e.Progress == 100 {
		e.Status = StatusComplete
		e.finishedAt = now
	}
}

// Fail marks the run as failed, keeping the last percentage reached.
func (t *Tracker) Fail(id string, gen uint64, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.current(id, gen)
	if !ok || e.finished() {
		return
	}
	now := t.now()
	e.Status = StatusFailed
	if cause != nil {
		e.Error = cause.Error()
	}
	e.UpdatedAt = now
	e.finishedAt = now
}

func (t *Tracker) Get(id string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[id]
	if !ok || t.expired(e, t.now()) {
		return Entry{}, ErrTaskNotFound
	}
	return *e, nil
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Sweep drops expired entries and reports how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for id, e := range t.entries {
		if t.expired(e, now) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) expired(e *Entry, now time.Time) bool {
	return t.opts.TTL > 0 && e.finished() && now.Sub(e.finishedAt) > t.opts.TTL
}

// makeRoomLocked evicts one entry when the map is full: the oldest finished
// entry if there is one, otherwise the oldest entry overall.
func (t *Tracker) makeRoomLocked() {
	if len(t.entries) < t.opts.MaxEntries {
		return
	}

	var oldestID, oldestFinishedID string
	var oldest, oldestFinished time.Time
	for id, e := range t.entries {
		if e.finished() && (oldestFinishedID == "" || e.finishedAt.Before(oldestFinished)) {
			oldestFinishedID, oldestFinished = id, e.finishedAt
		}
		if oldestID == "" || e.startedAt.Before(oldest) {
			oldestID, oldest = id, e.startedAt
		}
	}

	victim := oldestID
	if oldestFinishedID != "" {
		victim = oldestFinishedID
	}
	delete(t.entries, victim)
	t.opts.Logger.Warn().Str("task_id", victim).Int("max_entries", t.opts.MaxEntries).Msg("progress tracker full, evicted entry")
}
