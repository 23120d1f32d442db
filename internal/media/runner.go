// SPDX-License-Identifier: MIT

// Package media holds the ffprobe/ffmpeg reference adapters: audio track
// probe, integrity checker, and stereo converter. The state core only sees
// their verdicts.
package media

import (
	"bytes"
	"context"
	"os/exec"
)

// maxStderr caps captured tool output carried into verdict details.
const maxStderr = 4096

// Runner executes an external tool. Tests substitute a fake; production uses
// execRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

// NewRunner returns the exec-backed Runner.
func NewRunner() Runner { return execRunner{} }

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	// #nosec G204 -- tool paths come from config; args are built internally
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	return out, stderr.Bytes(), err
}

func truncateDetail(b []byte) string {
	if len(b) > maxStderr {
		return string(b[:maxStderr]) + "..."
	}
	return string(b)
}
