// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

// downmixFormula folds a surround bed into stereo without burying the center
// channel. Community-tuned coefficients for Plex playback.
const downmixFormula = "pan=stereo|FL=1.414*FC+0.707*FL+0.5*BL+0.5*SL+0.25*LFE+0.125*BR|FR=1.414*FC+0.707*FR+0.5*BR+0.5*SR+0.25*LFE+0.125*BL"

// minOutputSize guards against ffmpeg exiting zero after writing a husk.
const minOutputSize = 1000

// ConvertOptions is the audio encode policy, copied from config.
type ConvertOptions struct {
	Codec      string
	Bitrate    string
	SampleRate int
	TrackTitle string
}

// Converter is the reference converter: downmixes the chosen surround track
// to a stereo companion next to the original. Safe to re-invoke on the same
// input; output lands under a temporary name and is renamed into place only
// when complete.
type Converter struct {
	FFmpegPath string
	Options    ConvertOptions
	Runner     Runner

	probe   *Probe
	limiter *rate.Limiter
}

// NewConverter builds the converter. spawnRate limits ffmpeg launches per
// second; zero or negative disables the limiter.
func NewConverter(ffprobePath, ffmpegPath string, opts ConvertOptions, spawnRate float64) *Converter {
	r := NewRunner()
	c := &Converter{
		FFmpegPath: ffmpegPath,
		Options:    opts,
		Runner:     r,
		probe:      &Probe{FFprobePath: ffprobePath, Runner: r},
	}
	if spawnRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(spawnRate), 1)
	}
	return c
}

// Convert produces the stereo companion for path.
func (c *Converter) Convert(ctx context.Context, path string) (state.ConversionVerdict, error) {
	companion := state.CompanionPathFor(path)

	// A valid companion from an earlier (possibly interrupted-after-rename)
	// run short-circuits; re-invocation must be cheap.
	if done, err := c.companionValid(ctx, companion); err == nil && done {
		return state.ConversionVerdict{
			Outcome:       state.OutcomeConverted,
			CompanionPath: companion,
		}, nil
	}

	tracks, indexes, err := c.audioStreams(ctx, path)
	if err != nil {
		return failed(fmt.Sprintf("probe: %v", err)), nil
	}
	pick := state.PickSurroundTrack(tracks)
	if pick < 0 {
		return failed("no surround track to downmix"), nil
	}
	streamIndex := indexes[pick]

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return failed("cancelled waiting for conversion slot"), nil
		}
	}

	ext := filepath.Ext(companion)
	tmp := strings.TrimSuffix(companion, ext) + ".tmp" + ext
	defer func() { _ = os.Remove(tmp) }()

	args := []string{
		"-y", "-v", "error",
		"-i", path,
		"-map", "0:v",
		"-c:v", "copy",
		"-map", "0:" + strconv.Itoa(streamIndex),
		"-c:a:0", c.Options.Codec,
		"-ac:a:0", "2",
		"-b:a:0", c.Options.Bitrate,
		"-ar:a:0", strconv.Itoa(c.Options.SampleRate),
		"-filter:a:0", downmixFormula,
		"-metadata:s:a:0", "title=" + c.Options.TrackTitle,
		"-metadata:s:a:0", "language=eng",
		"-map", "0:s?",
		"-c:s", "copy",
		"-map_metadata", "0",
	}
	if isMP4Family(ext) {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, tmp)

	_, stderr, err := c.Runner.Run(ctx, c.FFmpegPath, args...)
	if err != nil {
		return failed(fmt.Sprintf("ffmpeg: %v (stderr: %s)", err, truncateDetail(stderr))), nil
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() < minOutputSize {
		return failed("ffmpeg produced no usable output"), nil
	}
	if err := os.Rename(tmp, companion); err != nil {
		return failed(fmt.Sprintf("rename companion: %v", err)), nil
	}

	return state.ConversionVerdict{
		Outcome:       state.OutcomeConverted,
		CompanionPath: companion,
	}, nil
}

// companionValid reports whether an existing companion already carries a
// stereo stream.
func (c *Converter) companionValid(ctx context.Context, companion string) (bool, error) {
	if _, err := os.Stat(companion); err != nil {
		return false, err
	}
	tracks, err := c.probe.Probe(ctx, companion)
	if err != nil {
		return false, err
	}
	for _, t := range tracks {
		if t.Channels == 2 {
			return true, nil
		}
	}
	return false, nil
}

// audioStreams returns the audio tracks plus their container stream indexes,
// aligned by position.
func (c *Converter) audioStreams(ctx context.Context, path string) ([]state.Track, []int, error) {
	data, err := c.probe.probeFile(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	var tracks []state.Track
	var indexes []int
	for _, s := range data.Streams {
		if s.CodecType != "audio" {
			continue
		}
		tracks = append(tracks, state.Track{
			Language: s.Tags.Language,
			Channels: s.Channels,
			Default:  s.Disposition.Default == 1,
			Title:    s.Tags.Title,
			Codec:    s.CodecName,
		})
		indexes = append(indexes, s.Index)
	}
	return tracks, indexes, nil
}

func failed(detail string) state.ConversionVerdict {
	return state.ConversionVerdict{Outcome: state.OutcomeFailed, Detail: detail}
}

func isMP4Family(ext string) bool {
	switch strings.ToLower(ext) {
	case ".mp4", ".m4v", ".mov":
		return true
	}
	return false
}
