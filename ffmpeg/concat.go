package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const manifestSuffix = ".concat.txt"

// Combine joins inputs, in order, into output using the concat demuxer.
// Streams are copied, not re-encoded, so inputs must share codec parameters.
// Audio is dropped and the moov atom is moved to the front for streaming.
func (e *Engine) Combine(ctx context.Context, inputs []string, output string, progress ProgressFunc) (string, error) {
	if len(inputs) == 0 {
		return "", &EngineError{Op: "combine", Err: errors.New("no inputs")}
	}

	manifest := output + manifestSuffix
	if err := writeManifest(manifest, inputs); err != nil {
		return "", &EngineError{Op: "combine", Err: err}
	}
	defer func() {
		if err := os.Remove(manifest); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn().Err(err).Str("path", manifest).Msg("could not remove concat manifest")
		}
	}()
	notify(progress, MilestoneSetup, "Created file list")

	args := e.ffmpegArgs(
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		"-an",
		"-movflags", "+faststart",
		output,
	)

	notify(progress, MilestoneStarted, "Starting video combination")
	if _, err := e.run(ctx, "combine", e.cfg.FFBin, args); err != nil {
		e.removePartial(output)
		return "", err
	}
	if _, err := os.Stat(output); err != nil {
		return "", &EngineError{Op: "combine", Err: fmt.Errorf("output file not created: %w", err)}
	}
	notify(progress, MilestoneFinalizing, "Finalizing video")

	return output, nil
}

// writeManifest writes one `file '<abs path>'` line per input.
func writeManifest(manifest string, inputs []string) error {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("absolute path for %s: %w", in, err)
		}
		if strings.ContainsAny(abs, "\n\r") {
			return fmt.Errorf("input path contains a line break: %q", abs)
		}
		b.WriteString("file '")
		b.WriteString(quoteManifestPath(abs))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(manifest, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write concat manifest: %w", err)
	}
	return nil
}

// quoteManifestPath escapes single quotes the way the concat demuxer expects.
func quoteManifestPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
