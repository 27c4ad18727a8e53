package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clipmux/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

type fakeTools struct {
	dir      string
	argsFile string
	manifest string
	cfg      *config.Config
}

// newFakeTools installs an ffmpeg stand-in that records its arguments, keeps a
// copy of any concat manifest, and writes its last argument as the output file.
func newFakeTools(t *testing.T, ffmpegBody string) *fakeTools {
	t.Helper()
	dir := t.TempDir()
	ft := &fakeTools{
		dir:      dir,
		argsFile: filepath.Join(dir, "args.txt"),
		manifest: filepath.Join(dir, "manifest.copy"),
	}
	if ffmpegBody == "" {
		ffmpegBody = fmt.Sprintf(`printf '%%s\n' "$@" > '%s'
prev=""
for a; do
  case "$a" in *.concat.txt) if [ "$prev" = "-i" ]; then cp "$a" '%s'; fi ;; esac
  prev="$a"
done
for last; do :; done
printf 'media' > "$last"
`, ft.argsFile, ft.manifest)
	}
	ffmpegBin := writeScript(t, dir, "ffmpeg", ffmpegBody)
	ffprobeBin := writeScript(t, dir, "ffprobe", `cat <<'EOF'
{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":1920,"height":1080}],
 "format":{"format_name":"mov,mp4,m4a,3gp,3g2,mj2","duration":"12.480000"}}
EOF
`)
	ft.cfg = &config.Config{
		FFBin:          ffmpegBin,
		FFProbeBin:     ffprobeBin,
		FFGlobalArgs:   "-hide_banner -loglevel error",
		FFTimeout:      10 * time.Second,
		MaxConcurrency: 1,
		ScratchDir:     dir,
	}
	return ft
}

func (ft *fakeTools) args(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(ft.argsFile)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newTestEngine(t *testing.T, ft *fakeTools) *Engine {
	t.Helper()
	e, err := NewEngine(ft.cfg, zerolog.Nop())
	require.NoError(t, err)
	return e
}

type recordedMilestone struct {
	m     Milestone
	stage string
}

func TestNewEngine_MissingBinary(t *testing.T) {
	cfg := &config.Config{FFBin: "/nonexistent/ffmpeg", FFProbeBin: "ffprobe", MaxConcurrency: 1}
	_, err := NewEngine(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg binary not found")
}

func TestNewEngine_RejectsBadGlobalArgs(t *testing.T) {
	ft := newFakeTools(t, "")
	ft.cfg.FFGlobalArgs = "-i other.mp4"
	_, err := NewEngine(ft.cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FF_GLOBAL_ARGS")
}

func TestEngine_Combine(t *testing.T) {
	ft := newFakeTools(t, "")
	e := newTestEngine(t, ft)

	work := t.TempDir()
	inputs := []string{filepath.Join(work, "b.mp4"), filepath.Join(work, "it's a.mp4")}
	output := filepath.Join(work, "p1_combined.mp4")

	var got []recordedMilestone
	out, err := e.Combine(context.Background(), inputs, output, func(m Milestone, stage string) {
		got = append(got, recordedMilestone{m, stage})
	})
	require.NoError(t, err)
	assert.Equal(t, output, out)
	assert.FileExists(t, output)

	args := ft.args(t)
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-y", "-f", "concat", "-safe", "0", "-i"}, args[:9])
	assert.Equal(t, []string{"-c", "copy", "-an", "-movflags", "+faststart", output}, args[10:])

	manifest, err := os.ReadFile(ft.manifest)
	require.NoError(t, err)
	assert.Equal(t,
		"file '"+inputs[0]+"'\n"+"file '"+filepath.Join(work, `it'\''s a.mp4`)+"'\n",
		string(manifest))
	assert.NoFileExists(t, output+manifestSuffix, "manifest is removed after success")

	require.Len(t, got, 3)
	assert.Equal(t, []Milestone{MilestoneSetup, MilestoneStarted, MilestoneFinalizing},
		[]Milestone{got[0].m, got[1].m, got[2].m})
}

func TestEngine_CombineFailure(t *testing.T) {
	ft := newFakeTools(t, `echo "Unsafe file name" >&2
for last; do :; done
printf 'partial' > "$last"
exit 1
`)
	e := newTestEngine(t, ft)

	work := t.TempDir()
	output := filepath.Join(work, "out.mp4")
	var milestones []Milestone
	_, err := e.Combine(context.Background(), []string{filepath.Join(work, "a.mp4")}, output, func(m Milestone, _ string) {
		milestones = append(milestones, m)
	})

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "combine", engineErr.Op)
	assert.Contains(t, engineErr.Output, "Unsafe file name")
	assert.NoFileExists(t, output, "partial output is removed")
	assert.NoFileExists(t, output+manifestSuffix)
	assert.NotContains(t, milestones, MilestoneFinalizing)
}

func TestEngine_CombineNoInputs(t *testing.T) {
	ft := newFakeTools(t, "")
	e := newTestEngine(t, ft)

	_, err := e.Combine(context.Background(), nil, filepath.Join(t.TempDir(), "out.mp4"), nil)
	var engineErr *EngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestEngine_AddAudioCopiesVideoStream(t *testing.T) {
	ft := newFakeTools(t, "")
	e := newTestEngine(t, ft)

	work := t.TempDir()
	video := filepath.Join(work, "combined.mp4")
	audio := filepath.Join(work, "narration.mp3")
	output := filepath.Join(work, "p1_with_audio.mp4")

	out, err := e.AddAudio(context.Background(), video, audio, output, nil)
	require.NoError(t, err)
	assert.Equal(t, output, out)

	args := strings.Join(ft.args(t), " ")
	assert.Contains(t, args, "-i "+video+" -i "+audio)
	assert.Contains(t, args, "-c:v copy")
	assert.Contains(t, args, "-c:a aac")
	assert.NotContains(t, args, "-shortest", "a short audio track must not truncate the video")
	assert.True(t, strings.HasSuffix(args, output))
}

func TestEngine_Probe(t *testing.T) {
	ft := newFakeTools(t, "")
	e := newTestEngine(t, ft)

	info, err := e.Probe(context.Background(), "/videos/any.mp4")
	require.NoError(t, err)
	assert.Equal(t, &MediaInfo{Duration: 12.48, Width: 1920, Height: 1080, Format: "mov,mp4,m4a,3gp,3g2,mj2"}, info)
}

func TestParseProbe(t *testing.T) {
	t.Run("audio only", func(t *testing.T) {
		_, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio"}],"format":{"duration":"3.0"}}`))
		assert.EqualError(t, err, "no video stream")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseProbe([]byte(`not json`))
		assert.Error(t, err)
	})
}

func TestEngine_TimeoutKillsProcess(t *testing.T) {
	ft := newFakeTools(t, "exec sleep 5\n")
	ft.cfg.FFTimeout = 100 * time.Millisecond
	e := newTestEngine(t, ft)

	start := time.Now()
	_, err := e.Combine(context.Background(), []string{"/tmp/a.mp4"}, filepath.Join(t.TempDir(), "out.mp4"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestEngine_ResourceCheckBlocksRun(t *testing.T) {
	ft := newFakeTools(t, "")
	e := newTestEngine(t, ft)
	e.checkFn = func() error { return ErrInsufficientResources }

	_, err := e.AddAudio(context.Background(), "v.mp4", "a.mp3", filepath.Join(t.TempDir(), "o.mp4"), nil)
	assert.ErrorIs(t, err, ErrInsufficientResources)
	_, statErr := os.Stat(ft.argsFile)
	assert.True(t, os.IsNotExist(statErr), "ffmpeg must not be started")
}

func TestEngine_SlotWaitHonoursContext(t *testing.T) {
	ft := newFakeTools(t, "")
	e := newTestEngine(t, ft)
	e.slots <- struct{}{} // occupy the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Probe(ctx, "x.mp4")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
