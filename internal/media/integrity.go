// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

// Checker is the reference IntegrityChecker. Quick mode probes the container
// and decodes the final seconds; full mode decodes the whole file to the null
// muxer. Auto runs quick and escalates a negative result to full, except for
// files above QuickMaxSize where a full decode is too expensive.
type Checker struct {
	FFmpegPath   string
	Mode         string // quick, full, auto
	QuickMaxSize int64
	Runner       Runner

	probe *Probe
}

func NewChecker(ffprobePath, ffmpegPath, mode string, quickMaxSize int64) *Checker {
	r := NewRunner()
	return &Checker{
		FFmpegPath:   ffmpegPath,
		Mode:         mode,
		QuickMaxSize: quickMaxSize,
		Runner:       r,
		probe:        &Probe{FFprobePath: ffprobePath, Runner: r},
	}
}

// tailWindow is how many seconds from the end quick mode decodes.
const tailWindow = 10

// Check decides whether the file decodes end to end. Idempotent and safe to
// call concurrently on different paths.
func (c *Checker) Check(ctx context.Context, path string) (state.IntegrityVerdict, error) {
	info, err := os.Stat(path)
	if err != nil {
		return state.IntegrityVerdict{
			Verdict: state.VerdictError,
			Detail:  fmt.Sprintf("stat: %v", err),
		}, nil
	}

	mode := c.Mode
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "quick":
		return c.quick(ctx, path), nil
	case "full":
		return c.full(ctx, path), nil
	default: // auto
		v := c.quick(ctx, path)
		if v.Verdict == state.VerdictIncomplete && info.Size() <= c.QuickMaxSize {
			return c.full(ctx, path), nil
		}
		return v, nil
	}
}

func (c *Checker) quick(ctx context.Context, path string) state.IntegrityVerdict {
	data, err := c.probe.probeFile(ctx, path)
	if err != nil {
		return probeVerdict(ctx, err)
	}
	dur := data.duration()
	if dur <= 0 || !data.hasDecodableStream() {
		return state.IntegrityVerdict{
			Verdict: state.VerdictIncomplete,
			Detail:  "container has no decodable duration yet",
		}
	}

	start := dur - tailWindow
	if start < 0 {
		start = 0
	}
	args := []string{
		"-v", "error",
		"-ss", fmt.Sprintf("%.2f", start),
		"-i", path,
		"-f", "null", "-",
	}
	return c.decode(ctx, args, "tail decode")
}

func (c *Checker) full(ctx context.Context, path string) state.IntegrityVerdict {
	data, err := c.probe.probeFile(ctx, path)
	if err != nil {
		return probeVerdict(ctx, err)
	}
	if !data.hasDecodableStream() {
		return state.IntegrityVerdict{
			Verdict: state.VerdictIncomplete,
			Detail:  "container has no decodable stream",
		}
	}
	args := []string{
		"-v", "error",
		"-i", path,
		"-f", "null", "-",
	}
	return c.decode(ctx, args, "full decode")
}

// decode runs ffmpeg to the null muxer. Any reported decode error means the
// file is not (yet) complete.
func (c *Checker) decode(ctx context.Context, args []string, stage string) state.IntegrityVerdict {
	_, stderr, err := c.Runner.Run(ctx, c.FFmpegPath, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return state.IntegrityVerdict{
				Verdict: state.VerdictError,
				Detail:  stage + " timed out",
			}
		}
		return state.IntegrityVerdict{
			Verdict: state.VerdictIncomplete,
			Detail:  fmt.Sprintf("%s: %v (stderr: %s)", stage, err, truncateDetail(stderr)),
		}
	}
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return state.IntegrityVerdict{
			Verdict: state.VerdictIncomplete,
			Detail:  stage + " errors: " + truncateDetail([]byte(msg)),
		}
	}
	return state.IntegrityVerdict{Verdict: state.VerdictComplete}
}

func probeVerdict(ctx context.Context, err error) state.IntegrityVerdict {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return state.IntegrityVerdict{Verdict: state.VerdictError, Detail: "probe timed out"}
	}
	return state.IntegrityVerdict{Verdict: state.VerdictError, Detail: err.Error()}
}
