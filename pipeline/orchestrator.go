// Package pipeline sequences fetch, process, upload and cleanup for each
// media request and reports progress along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clipmux/ffmpeg"
	"clipmux/metrics"
	"clipmux/storage"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const runDirPerm os.FileMode = 0o750

// Downloads and engine output live in separate subdirectories of a run, so an
// output name can never point at one of the inputs.
const (
	inputSubdir  = "in"
	outputSubdir = "out"
)

type Options struct {
	ScratchDir string
	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type Orchestrator struct {
	fetcher    Fetcher
	engine     Engine
	store      storage.Store
	tracker    Tracker
	scratchDir string
	timeout    time.Duration
	log        zerolog.Logger
	newRunID   func() string
}

func New(fetcher Fetcher, engine Engine, store storage.Store, tracker Tracker, opts Options) *Orchestrator {
	return &Orchestrator{
		fetcher:    fetcher,
		engine:     engine,
		store:      store,
		tracker:    tracker,
		scratchDir: opts.ScratchDir,
		timeout:    opts.Timeout,
		log:        opts.Logger.With().Str("component", "pipeline").Logger(),
		newRunID:   shortuuid.New,
	}
}

// run is the state of one pipeline execution: its scratch directory, the
// ledger of scratch files it created and the stage it last reached.
type run struct {
	o      *Orchestrator
	op     string
	taskID string
	gen    uint64
	dir    string
	inDir  string
	outDir string
	start  time.Time
	log    zerolog.Logger

	mu    sync.Mutex
	files []string
	stage string
}

func (o *Orchestrator) begin(op, taskID string) (*run, error) {
	dir := filepath.Join(o.scratchDir, taskID+"-"+o.newRunID())
	r := &run{
		o:      o,
		op:     op,
		taskID: taskID,
		dir:    dir,
		inDir:  filepath.Join(dir, inputSubdir),
		outDir: filepath.Join(dir, outputSubdir),
		start:  time.Now(),
		log:    o.log.With().Str("op", op).Str("task_id", taskID).Logger(),
		stage:  "Initializing",
	}
	r.gen = o.tracker.Begin(taskID)
	metrics.PipelineInFlight.WithLabelValues(op).Inc()

	for _, d := range []string{r.inDir, r.outDir} {
		if err := os.MkdirAll(d, runDirPerm); err != nil {
			return r, fmt.Errorf("create scratch dir: %w", err)
		}
	}
	return r, nil
}

func (r *run) set(percent int, stage string) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
	r.o.tracker.Set(r.taskID, r.gen, percent, stage)
	r.log.Debug().Int("progress", percent).Str("stage", stage).Msg("progress")
}

func (r *run) currentStage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// track registers a scratch file for deletion at the end of the run. Each
// path is recorded once.
func (r *run) track(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f == path {
			return
		}
	}
	r.files = append(r.files, path)
}

// cleanup deletes every tracked file exactly once and then the run directory.
// Failures are logged by the store and never returned.
func (r *run) cleanup() {
	r.mu.Lock()
	files := r.files
	r.files = nil
	r.mu.Unlock()

	for _, f := range files {
		r.o.store.Delete(f)
	}
	metrics.ScratchFilesDeleted.Add(float64(len(files)))

	if err := os.RemoveAll(r.dir); err != nil {
		r.log.Warn().Err(err).Str("dir", r.dir).Msg("could not remove scratch dir")
	}
	r.log.Debug().Int("files", len(files)).Msg("cleanup complete")
}

// engineProgress maps engine milestones onto this run's percentage band.
func (r *run) engineProgress(band map[ffmpeg.Milestone]int) ffmpeg.ProgressFunc {
	return func(m ffmpeg.Milestone, stage string) {
		if pct, ok := band[m]; ok {
			r.set(pct, stage)
		}
	}
}

// finish records the outcome. On failure the scratch files are released,
// the tracker is marked failed and a deadline is reported as a TimeoutError.
func (r *run) finish(ctx context.Context, res *Result, err error) (*Result, error) {
	metrics.PipelineInFlight.WithLabelValues(r.op).Dec()
	metrics.PipelineDuration.WithLabelValues(r.op).Observe(time.Since(r.start).Seconds())

	if err == nil {
		metrics.PipelineRuns.WithLabelValues(r.op, "success").Inc()
		r.log.Info().Str("url_key", res.Key).Dur("took", time.Since(r.start)).Msg("pipeline complete")
		return res, nil
	}

	stage := r.currentStage()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = &TimeoutError{TaskID: r.taskID, Stage: stage, Limit: r.o.timeout, Err: err}
	case isTimeout(err):
		err = &TimeoutError{TaskID: r.taskID, Stage: stage, Err: err}
	}

	r.cleanup()
	r.o.tracker.Fail(r.taskID, r.gen, err)
	metrics.PipelineRuns.WithLabelValues(r.op, "error").Inc()
	metrics.StageFailures.WithLabelValues(r.op, stage).Inc()
	r.log.Error().Err(err).Str("stage", stage).Msg("pipeline failed")
	return nil, err
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

var combineBand = map[ffmpeg.Milestone]int{
	ffmpeg.MilestoneSetup:      35,
	ffmpeg.MilestoneStarted:    40,
	ffmpeg.MilestoneFinalizing: 85,
}

// Combine downloads every clip concurrently, concatenates them in request
// order, uploads the result to combined/<project_id>/<output_name> and
// removes all scratch files.
func (o *Orchestrator) Combine(ctx context.Context, req CombineRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	taskID := CombineTaskID(req.ProjectID)
	name := outputName(req.OutputName, req.ProjectID, "combined")

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	r, err := o.begin(OpCombine, taskID)
	if err != nil {
		return r.finish(ctx, nil, err)
	}
	r.log.Info().Int("videos", len(req.VideoURLs)).Str("output", name).Msg("received combine request")

	res, err := o.combine(ctx, r, req, name)
	return r.finish(ctx, res, err)
}

func (o *Orchestrator) combine(ctx context.Context, r *run, req CombineRequest, name string) (*Result, error) {
	output := filepath.Join(r.outDir, name)

	r.set(10, "Downloading videos")
	inputs, err := o.fetchAll(ctx, r, req.VideoURLs)
	if err != nil {
		return nil, fmt.Errorf("download videos: %w", err)
	}
	r.log.Info().Int("videos", len(inputs)).Msg("downloaded videos")

	r.set(30, "Combining videos")
	r.track(output)
	if _, err := o.engine.Combine(ctx, inputs, output, r.engineProgress(combineBand)); err != nil {
		return nil, fmt.Errorf("combine videos: %w", err)
	}
	o.logMediaInfo(ctx, r, output)

	key := combinedPrefix + "/" + req.ProjectID + "/" + name
	return o.publish(ctx, r, output, key)
}

// fetchAll downloads urls concurrently. The first failure cancels the rest;
// the returned paths are in the order of urls.
func (o *Orchestrator) fetchAll(ctx context.Context, r *run, urls []string) ([]string, error) {
	paths := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			p, err := o.fetcher.Fetch(gctx, u, r.inDir)
			if err != nil {
				return err
			}
			r.track(p)
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

var audioBand = map[ffmpeg.Milestone]int{
	ffmpeg.MilestoneSetup:      55,
	ffmpeg.MilestoneStarted:    60,
	ffmpeg.MilestoneFinalizing: 85,
}

// AddAudio downloads the video and then the audio track, muxes them with the
// video stream copied, uploads the result to final/<project_id>/<output_name>
// and removes all scratch files.
func (o *Orchestrator) AddAudio(ctx context.Context, req AudioRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	taskID := AudioTaskID(req.ProjectID)
	name := outputName(req.OutputName, req.ProjectID, "with_audio")

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	r, err := o.begin(OpAudio, taskID)
	if err != nil {
		return r.finish(ctx, nil, err)
	}
	r.log.Info().Str("output", name).Msg("received add-audio request")

	res, err := o.addAudio(ctx, r, req, name)
	return r.finish(ctx, res, err)
}

func (o *Orchestrator) addAudio(ctx context.Context, r *run, req AudioRequest, name string) (*Result, error) {
	output := filepath.Join(r.outDir, name)

	r.set(10, "Downloading video")
	video, err := o.fetcher.Fetch(ctx, req.VideoURL, r.inDir)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	r.track(video)

	r.set(30, "Downloading audio")
	audio, err := o.fetcher.Fetch(ctx, req.AudioURL, r.inDir)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	r.track(audio)

	r.set(50, "Adding audio")
	r.track(output)
	if _, err := o.engine.AddAudio(ctx, video, audio, output, r.engineProgress(audioBand)); err != nil {
		return nil, fmt.Errorf("add audio: %w", err)
	}

	key := finalPrefix + "/" + req.ProjectID + "/" + name
	return o.publish(ctx, r, output, key)
}

// publish uploads output under key, releases the scratch files and marks the
// task complete.
func (o *Orchestrator) publish(ctx context.Context, r *run, output, key string) (*Result, error) {
	r.set(90, "Uploading result")
	url, err := o.store.Upload(ctx, output, key)
	if err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}

	r.set(95, "Cleaning up")
	r.cleanup()

	r.set(100, "Complete")
	return &Result{TaskID: r.taskID, Key: key, URL: url}, nil
}

// logMediaInfo probes the engine output for the log. Probe failures are not fatal.
func (o *Orchestrator) logMediaInfo(ctx context.Context, r *run, path string) {
	info, err := o.engine.Probe(ctx, path)
	if err != nil {
		r.log.Warn().Err(err).Msg("could not probe output")
		return
	}
	r.log.Info().
		Float64("duration", info.Duration).
		Int("width", info.Width).
		Int("height", info.Height).
		Str("format", info.Format).
		Msg("output ready")
}
