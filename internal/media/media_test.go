// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

// fakeRunner scripts tool invocations. Each call pops the next response for
// the invoked binary; exhausting a script is a test bug.
type fakeRunner struct {
	t       *testing.T
	scripts map[string][]fakeResult
	calls   [][]string
}

type fakeResult struct {
	stdout string
	stderr string
	err    error
	onRun  func(args []string)
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{t: t, scripts: make(map[string][]fakeResult)}
}

func (f *fakeRunner) expect(name string, r fakeResult) {
	f.scripts[name] = append(f.scripts[name], r)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	queue := f.scripts[name]
	if len(queue) == 0 {
		f.t.Fatalf("unexpected %s invocation: %v", name, args)
	}
	r := queue[0]
	f.scripts[name] = queue[1:]
	if r.onRun != nil {
		r.onRun(args)
	}
	return []byte(r.stdout), []byte(r.stderr), r.err
}

const surroundJSON = `{
	"streams": [
		{"index": 0, "codec_type": "video", "codec_name": "h264", "duration": "5400.5"},
		{"index": 1, "codec_type": "audio", "codec_name": "dts", "channels": 6,
		 "disposition": {"default": 1}, "tags": {"language": "eng", "title": "DTS 5.1"}},
		{"index": 2, "codec_type": "audio", "codec_name": "ac3", "channels": 2,
		 "tags": {"language": "rus"}}
	],
	"format": {"format_name": "matroska,webm", "duration": "5400.5"}
}`

const stereoOnlyJSON = `{
	"streams": [
		{"index": 0, "codec_type": "audio", "codec_name": "aac", "channels": 2,
		 "tags": {"language": "eng", "title": "Stereo (AAC)"}}
	],
	"format": {"format_name": "matroska,webm", "duration": "5400.5"}
}`

func TestProbeParsesAudioTracks(t *testing.T) {
	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})

	p := &Probe{FFprobePath: "ffprobe", Runner: r}
	tracks, err := p.Probe(context.Background(), "/media/f.mkv")
	require.NoError(t, err)

	require.Len(t, tracks, 2, "video streams are not tracks")
	assert.Equal(t, state.Track{Language: "eng", Channels: 6, Default: true, Title: "DTS 5.1", Codec: "dts"}, tracks[0])
	assert.Equal(t, "rus", tracks[1].Language)
}

func TestProbeAcceptsJSONDespiteNonZeroExit(t *testing.T) {
	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON, stderr: "moov atom warning", err: errors.New("exit status 1")})

	p := &Probe{FFprobePath: "ffprobe", Runner: r}
	tracks, err := p.Probe(context.Background(), "/media/f.mkv")
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}

func TestProbeFailsWithoutContainer(t *testing.T) {
	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: "", stderr: "invalid data", err: errors.New("exit status 1")})

	p := &Probe{FFprobePath: "ffprobe", Runner: r}
	_, err := p.Probe(context.Background(), "/media/f.mkv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid data")
}

func testFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.mkv")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func newTestChecker(r Runner, mode string, quickMax int64) *Checker {
	return &Checker{
		FFmpegPath:   "ffmpeg",
		Mode:         mode,
		QuickMaxSize: quickMax,
		Runner:       r,
		probe:        &Probe{FFprobePath: "ffprobe", Runner: r},
	}
}

func TestCheckQuickComplete(t *testing.T) {
	path := testFile(t, 2048)
	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{})

	c := newTestChecker(r, "quick", 0)
	v, err := c.Check(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, state.VerdictComplete, v.Verdict)

	decode := r.calls[1]
	assert.Contains(t, decode, "-ss", "quick mode decodes the tail only")
	assert.Contains(t, decode, "null")
}

func TestCheckQuickIncompleteOnDecodeErrors(t *testing.T) {
	path := testFile(t, 2048)
	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{stderr: "frame corrupt at 5391.2"})

	c := newTestChecker(r, "quick", 0)
	v, err := c.Check(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, state.VerdictIncomplete, v.Verdict)
	assert.Contains(t, v.Detail, "frame corrupt")
}

func TestCheckMissingFileIsError(t *testing.T) {
	c := newTestChecker(newFakeRunner(t), "quick", 0)
	v, err := c.Check(context.Background(), "/no/such/file.mkv")
	require.NoError(t, err)
	assert.Equal(t, state.VerdictError, v.Verdict)
}

func TestCheckAutoEscalatesToFull(t *testing.T) {
	path := testFile(t, 2048)
	r := newFakeRunner(t)
	// quick: probe + failing tail decode
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{stderr: "corrupt"})
	// full: probe + clean whole-file decode
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{})

	c := newTestChecker(r, "auto", 1<<30)
	v, err := c.Check(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, state.VerdictComplete, v.Verdict)

	full := r.calls[3]
	assert.NotContains(t, full, "-ss", "full mode decodes from the start")
}

func TestCheckAutoSkipsFullForHugeFiles(t *testing.T) {
	path := testFile(t, 4096)
	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{stderr: "corrupt"})

	c := newTestChecker(r, "auto", 1024) // file is larger than the cap
	v, err := c.Check(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, state.VerdictIncomplete, v.Verdict)
	assert.Len(t, r.calls, 2, "no full-decode escalation above the size cap")
}

func newTestConverter(r Runner) *Converter {
	return &Converter{
		FFmpegPath: "ffmpeg",
		Options: ConvertOptions{
			Codec:      "aac",
			Bitrate:    "192k",
			SampleRate: 48000,
			TrackTitle: "Stereo (AAC)",
		},
		Runner: r,
		probe:  &Probe{FFprobePath: "ffprobe", Runner: r},
	}
}

func TestConvertDownmixesChosenTrack(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "film.mkv")
	require.NoError(t, os.WriteFile(original, make([]byte, 2048), 0o600))

	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{onRun: func(args []string) {
		out := args[len(args)-1]
		require.NoError(t, os.WriteFile(out, make([]byte, 4096), 0o600))
	}})

	c := newTestConverter(r)
	v, err := c.Convert(context.Background(), original)
	require.NoError(t, err)
	require.Equal(t, state.OutcomeConverted, v.Outcome)
	assert.Equal(t, filepath.Join(dir, "film.stereo.mkv"), v.CompanionPath)

	_, err = os.Stat(v.CompanionPath)
	assert.NoError(t, err, "temp output renamed into place")

	ffmpeg := r.calls[1]
	joined := strings.Join(ffmpeg, " ")
	assert.Contains(t, joined, "-map 0:1", "picks the surround stream index")
	assert.Contains(t, joined, "-ac:a:0 2")
	assert.Contains(t, joined, "pan=stereo")
	assert.NotContains(t, joined, "faststart", "mkv output skips movflags")
}

func TestConvertShortCircuitsOnExistingCompanion(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "film.mkv")
	companion := filepath.Join(dir, "film.stereo.mkv")
	require.NoError(t, os.WriteFile(original, make([]byte, 2048), 0o600))
	require.NoError(t, os.WriteFile(companion, make([]byte, 2048), 0o600))

	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: stereoOnlyJSON}) // companion validation

	c := newTestConverter(r)
	v, err := c.Convert(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeConverted, v.Outcome)
	assert.Equal(t, companion, v.CompanionPath)
	assert.Len(t, r.calls, 1, "no ffmpeg launch needed")
}

func TestConvertFailsWithoutSurround(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "film.mkv")
	require.NoError(t, os.WriteFile(original, make([]byte, 2048), 0o600))

	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: stereoOnlyJSON})

	c := newTestConverter(r)
	v, err := c.Convert(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeFailed, v.Outcome)
	assert.Contains(t, v.Detail, "no surround track")
}

func TestConvertRejectsEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "film.mkv")
	require.NoError(t, os.WriteFile(original, make([]byte, 2048), 0o600))

	r := newFakeRunner(t)
	r.expect("ffprobe", fakeResult{stdout: surroundJSON})
	r.expect("ffmpeg", fakeResult{onRun: func(args []string) {
		out := args[len(args)-1]
		require.NoError(t, os.WriteFile(out, []byte("husk"), 0o600))
	}})

	c := newTestConverter(r)
	v, err := c.Convert(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeFailed, v.Outcome)

	_, err = os.Stat(filepath.Join(dir, "film.stereo.mkv"))
	assert.True(t, os.IsNotExist(err), "husk output is not promoted")
}
