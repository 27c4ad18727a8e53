package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"clipmux/config"

	"github.com/rs/zerolog"
)

// waitDelay bounds how long Wait lingers on output pipes after the process is killed.
const waitDelay = 2 * time.Second

// Milestone is a coarse checkpoint reported while an engine operation runs.
type Milestone int

const (
	MilestoneSetup Milestone = iota
	MilestoneStarted
	MilestoneFinalizing
)

func (m Milestone) String() string {
	switch m {
	case MilestoneSetup:
		return "setup"
	case MilestoneStarted:
		return "started"
	case MilestoneFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("milestone(%d)", int(m))
	}
}

// ProgressFunc receives milestones from Combine and AddAudio. It may be nil.
type ProgressFunc func(m Milestone, stage string)

// EngineError carries the diagnostic output of a failed ffmpeg/ffprobe run.
type EngineError struct {
	Op     string
	Output string
	Err    error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// Engine drives the external ffmpeg and ffprobe binaries. At most
// MaxConcurrency invocations run at once; callers block for a slot.
type Engine struct {
	cfg        *config.Config
	globalArgs []string
	slots      chan struct{}
	log        zerolog.Logger
	checkFn    func() error
}

func NewEngine(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}

	globalArgs, err := SplitCommand(cfg.FFGlobalArgs)
	if err != nil {
		return nil, fmt.Errorf("FF_GLOBAL_ARGS: %w", err)
	}
	if err := ValidateGlobalArgs(globalArgs); err != nil {
		return nil, fmt.Errorf("FF_GLOBAL_ARGS: %w", err)
	}

	slots := cfg.MaxConcurrency
	if slots < 1 {
		slots = 1
	}

	e := &Engine{
		cfg:        cfg,
		globalArgs: globalArgs,
		slots:      make(chan struct{}, slots),
		log:        logger.With().Str("component", "ffmpeg").Logger(),
	}
	e.checkFn = e.checkResources
	return e, nil
}

// run executes bin with args in its own slot and returns the combined output.
func (e *Engine) run(ctx context.Context, op, bin string, args []string) (string, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return "", &EngineError{Op: op, Err: ctx.Err()}
	}
	defer func() { <-e.slots }()

	if err := e.checkFn(); err != nil {
		return "", &EngineError{Op: op, Err: err}
	}

	if e.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FFTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf
	cmd.WaitDelay = waitDelay

	start := time.Now()
	e.log.Debug().Str("op", op).Str("cmd", bin+" "+strings.Join(args, " ")).Msg("executing")

	err := cmd.Run()
	output := outputBuf.String()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return output, &EngineError{Op: op, Output: output, Err: err}
	}

	e.log.Debug().Str("op", op).Dur("took", time.Since(start)).Msg("finished")
	return output, nil
}

func (e *Engine) ffmpegArgs(args ...string) []string {
	out := make([]string, 0, len(e.globalArgs)+len(args)+1)
	out = append(out, e.globalArgs...)
	out = append(out, "-y")
	return append(out, args...)
}

// removePartial drops an output file left behind by a failed run.
func (e *Engine) removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warn().Err(err).Str("path", path).Msg("could not remove partial output")
	}
}

func notify(fn ProgressFunc, m Milestone, stage string) {
	if fn != nil {
		fn(m, stage)
	}
}
