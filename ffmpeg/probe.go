package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MediaInfo is the subset of ffprobe metadata the service cares about.
type MediaInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Format   string  `json:"format"`
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe reads container and first video stream metadata from path.
func (e *Engine) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	}
	out, err := e.run(ctx, "probe", e.cfg.FFProbeBin, args)
	if err != nil {
		return nil, err
	}
	info, err := parseProbe([]byte(out))
	if err != nil {
		return nil, &EngineError{Op: "probe", Output: out, Err: err}
	}
	return info, nil
}

func parseProbe(data []byte) (*MediaInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range raw.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := &MediaInfo{
			Width:  s.Width,
			Height: s.Height,
			Format: raw.Format.FormatName,
		}
		if raw.Format.Duration != "" {
			d, err := strconv.ParseFloat(raw.Format.Duration, 64)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", raw.Format.Duration, err)
			}
			info.Duration = d
		}
		return info, nil
	}
	return nil, errors.New("no video stream")
}
