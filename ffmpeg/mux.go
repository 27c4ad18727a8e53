package ffmpeg

import (
	"context"
	"fmt"
	"os"
)

// AddAudio muxes the first audio stream of audio onto the first video stream
// of video. The video stream is copied; audio is transcoded to AAC. The
// output keeps the full video length even when the audio is shorter.
func (e *Engine) AddAudio(ctx context.Context, video, audio, output string, progress ProgressFunc) (string, error) {
	notify(progress, MilestoneSetup, "Starting audio addition")

	args := e.ffmpegArgs(
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		output,
	)

	notify(progress, MilestoneStarted, "Processing audio and video")
	if _, err := e.run(ctx, "add audio", e.cfg.FFBin, args); err != nil {
		e.removePartial(output)
		return "", err
	}
	if _, err := os.Stat(output); err != nil {
		return "", &EngineError{Op: "add audio", Err: fmt.Errorf("output file not created: %w", err)}
	}
	notify(progress, MilestoneFinalizing, "Finalizing")

	return output, nil
}
