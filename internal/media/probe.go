// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

// Probe is the reference AudioProbe: one ffprobe call, JSON out.
type Probe struct {
	FFprobePath string
	Runner      Runner
}

func NewProbe(ffprobePath string) *Probe {
	return &Probe{FFprobePath: ffprobePath, Runner: NewRunner()}
}

// Probe returns the audio track descriptors of the file. Read-only.
func (p *Probe) Probe(ctx context.Context, path string) ([]state.Track, error) {
	data, err := p.probeFile(ctx, path)
	if err != nil {
		return nil, err
	}

	var tracks []state.Track
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
	}
	return tracks, nil
}

func (p *Probe) probeFile(ctx context.Context, path string) (*probeData, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	out, stderr, err := p.Runner.Run(ctx, p.FFprobePath, args...)

	var data probeData
	jsonErr := json.Unmarshal(out, &data)

	// ffprobe can exit non-zero and still print usable JSON for partially
	// written files; accept the JSON when it names a container.
	if jsonErr == nil && data.Format.FormatName != "" {
		return &data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w (stderr: %s)", path, err, truncateDetail(stderr))
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("ffprobe %s: decode output: %w", path, jsonErr)
	}
	return nil, fmt.Errorf("ffprobe %s: no container recognised", path)
}

// duration returns the container duration in seconds, preferring the first
// stream that carries one.
func (d *probeData) duration() float64 {
	for _, s := range d.Streams {
		if s.Duration != "" {
			if v, err := strconv.ParseFloat(s.Duration, 64); err == nil && v > 0 {
				return v
			}
		}
	}
	if d.Format.Duration != "" {
		if v, err := strconv.ParseFloat(d.Format.Duration, 64); err == nil {
			return v
		}
	}
	return 0
}

func (d *probeData) hasDecodableStream() bool {
	for _, s := range d.Streams {
		if (s.CodecType == "video" || s.CodecType == "audio") && s.CodecName != "" {
			return true
		}
	}
	return false
}

type probeData struct {
	Streams []struct {
		Index       int    `json:"index"`
		CodecType   string `json:"codec_type"`
		CodecName   string `json:"codec_name"`
		Channels    int    `json:"channels,omitempty"`
		Duration    string `json:"duration,omitempty"`
		Disposition struct {
			Default int `json:"default"`
		} `json:"disposition"`
		Tags struct {
			Language string `json:"language"`
			Title    string `json:"title"`
		} `json:"tags"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}
