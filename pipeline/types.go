package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"clipmux/ffmpeg"
)

const (
	OpCombine = "combine"
	OpAudio   = "audio"

	combinedPrefix = "combined"
	finalPrefix    = "final"
	defaultExt     = ".mp4"
)

var ErrInvalidRequest = errors.New("invalid request")

// TimeoutError means a deadline expired while the run was in Stage. Limit is
// the run budget when that expired, zero when a single step ran out of time.
// Err is the failure reported by the step.
type TimeoutError struct {
	TaskID string
	Stage  string
	Limit  time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("task %s timed out while %s", e.TaskID, strings.ToLower(e.Stage))
	if e.Limit > 0 {
		msg = fmt.Sprintf("task %s timed out after %s while %s", e.TaskID, e.Limit, strings.ToLower(e.Stage))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{context.DeadlineExceeded}
	}
	return []error{context.DeadlineExceeded, e.Err}
}

// isTimeout reports whether err came from an expired deadline, either a
// context deadline or a network timeout such as the HTTP client's.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destDir string) (string, error)
}

type Engine interface {
	Combine(ctx context.Context, inputs []string, output string, progress ffmpeg.ProgressFunc) (string, error)
	AddAudio(ctx context.Context, video, audio, output string, progress ffmpeg.ProgressFunc) (string, error)
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

// Tracker records progress. Begin returns a generation that scopes the
// following Set and Fail calls to this run.
type Tracker interface {
	Begin(id string) uint64
	Set(id string, gen uint64, percent int, stage string)
	Fail(id string, gen uint64, cause error)
}

type CombineRequest struct {
	ProjectID  string
	VideoURLs  []string
	OutputName string
}

type AudioRequest struct {
	ProjectID  string
	VideoURL   string
	AudioURL   string
	OutputName string
}

type Result struct {
	TaskID string `json:"taskId"`
	Key    string `json:"key"`
	URL    string `json:"url"`
}

func CombineTaskID(projectID string) string { return OpCombine + "_" + projectID }

func AudioTaskID(projectID string) string { return OpAudio + "_" + projectID }

func (r CombineRequest) Validate() error {
	if err := validateProjectID(r.ProjectID); err != nil {
		return err
	}
	if len(r.VideoURLs) == 0 {
		return fmt.Errorf("%w: video_urls must not be empty", ErrInvalidRequest)
	}
	for i, u := range r.VideoURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("%w: video_urls[%d] is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (r AudioRequest) Validate() error {
	if err := validateProjectID(r.ProjectID); err != nil {
		return err
	}
	if strings.TrimSpace(r.VideoURL) == "" {
		return fmt.Errorf("%w: video_url is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.AudioURL) == "" {
		return fmt.Errorf("%w: audio_url is required", ErrInvalidRequest)
	}
	return nil
}

// validateProjectID keeps ids usable as a path segment and storage key part.
func validateProjectID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: project_id %q is not a valid path segment", ErrInvalidRequest, id)
	}
	return nil
}

// outputName returns the base name of the requested output, or
// <project_id>_<suffix>.mp4 when none usable was given.
func outputName(requested, projectID, suffix string) string {
	name := filepath.Base(strings.ReplaceAll(strings.TrimSpace(requested), `\`, "/"))
	if requested == "" || name == "." || name == "/" || name == ".." {
		return projectID + "_" + suffix + defaultExt
	}
	return name
}
