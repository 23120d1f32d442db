// SPDX-License-Identifier: MIT

// Package config loads the converter configuration with precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full configuration of the state core and its reference
// adapters. Durations are second counts in YAML and ENV for easy editing.
type Config struct {
	// Store
	DBURL             string `yaml:"db_url"`
	KeepProcessedDays int    `yaml:"keep_processed_days"`
	VacuumMinDeleted  int    `yaml:"vacuum_min_deleted"`

	// Scheduling
	StableWaitSec        int `yaml:"stable_wait_sec"`
	SizePollSec          int `yaml:"size_poll_sec"`
	BackoffStepSec       int `yaml:"backoff_step_sec"`
	BackoffMaxSec        int `yaml:"backoff_max_sec"`
	MaxIntegrityAttempts int `yaml:"max_integrity_attempts"`
	BatchSize            int `yaml:"batch_size"`
	Parallelism          int `yaml:"parallelism"`
	LoopMinSleepSec      int `yaml:"loop_min_sleep_sec"`
	LeaseTTLSec          int `yaml:"lease_ttl_sec"`
	ShutdownGraceSec     int `yaml:"shutdown_grace_sec"`

	// Discovery
	WatchDirs     []string `yaml:"watch_dirs"`
	Recursive     bool     `yaml:"recursive"`
	MaxScanDepth  int      `yaml:"max_scan_depth"`
	MinFileSize   int64    `yaml:"min_file_size"`
	VideoExts     []string `yaml:"video_extensions"`
	SkipSuffixes  []string `yaml:"skip_suffixes"`

	// Integrity
	IntegrityMode       string `yaml:"integrity_mode"` // quick, full, auto
	IntegrityTimeoutSec int    `yaml:"integrity_timeout_sec"`
	QuickCheckMaxSize   int64  `yaml:"quick_check_max_size"`

	// Conversion
	DeleteOriginal     bool    `yaml:"delete_original"`
	AudioCodec         string  `yaml:"audio_codec"`
	AudioBitrate       string  `yaml:"audio_bitrate"`
	AudioSampleRate    int     `yaml:"audio_sample_rate"`
	AudioTrackTitle    string  `yaml:"audio_track_title"`
	ConvertTimeoutSec  int     `yaml:"convert_timeout_sec"`
	ConvertRatePerSec  float64 `yaml:"convert_rate_per_sec"` // ffmpeg spawns per second; <=0 disables the limiter
	FFprobePath        string  `yaml:"ffprobe_path"`
	FFmpegPath         string  `yaml:"ffmpeg_path"`

	// Operations
	ListenAddr string `yaml:"listen_addr"` // empty disables the monitor HTTP endpoint
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBURL:             "state.db",
		KeepProcessedDays: 30,
		VacuumMinDeleted:  100,

		StableWaitSec:        30,
		SizePollSec:          5,
		BackoffStepSec:       30,
		BackoffMaxSec:        600,
		MaxIntegrityAttempts: 5,
		BatchSize:            50,
		Parallelism:          4,
		LoopMinSleepSec:      1,
		LeaseTTLSec:          120,
		ShutdownGraceSec:     10,

		Recursive:    true,
		MaxScanDepth: 3,
		MinFileSize:  1 << 20,
		VideoExts: []string{
			".mkv", ".mp4", ".avi", ".m4v", ".mov",
			".wmv", ".flv", ".webm", ".ts", ".m2ts",
		},
		SkipSuffixes: []string{".part", ".tmp", ".download"},

		IntegrityMode:       "auto",
		IntegrityTimeoutSec: 300,
		QuickCheckMaxSize:   10 << 30,

		AudioCodec:        "aac",
		AudioBitrate:      "192k",
		AudioSampleRate:   48000,
		AudioTrackTitle:   "Stereo (AAC)",
		ConvertTimeoutSec: 3600,
		ConvertRatePerSec: 1,
		FFprobePath:       "ffprobe",
		FFmpegPath:        "ffmpeg",

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Validate rejects configurations the planner cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DBURL) == "" {
		problems = append(problems, "db_url must not be empty")
	}
	if c.StableWaitSec <= 0 {
		problems = append(problems, "stable_wait_sec must be positive")
	}
	if c.SizePollSec <= 0 {
		problems = append(problems, "size_poll_sec must be positive")
	}
	if c.BackoffStepSec <= 0 {
		problems = append(problems, "backoff_step_sec must be positive")
	}
	if c.BackoffMaxSec < c.BackoffStepSec {
		problems = append(problems, "backoff_max_sec must be >= backoff_step_sec")
	}
	if c.MaxIntegrityAttempts <= 0 {
		problems = append(problems, "max_integrity_attempts must be positive")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if c.Parallelism <= 0 {
		problems = append(problems, "parallelism must be positive")
	}
	if c.LeaseTTLSec <= 0 {
		problems = append(problems, "lease_ttl_sec must be positive")
	}
	switch c.IntegrityMode {
	case "quick", "full", "auto":
	default:
		problems = append(problems, fmt.Sprintf("integrity_mode %q is not one of quick, full, auto", c.IntegrityMode))
	}
	if c.KeepProcessedDays < 0 {
		problems = append(problems, "keep_processed_days must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) StableWait() time.Duration       { return time.Duration(c.StableWaitSec) * time.Second }
func (c *Config) SizePoll() time.Duration         { return time.Duration(c.SizePollSec) * time.Second }
func (c *Config) BackoffStep() time.Duration      { return time.Duration(c.BackoffStepSec) * time.Second }
func (c *Config) BackoffMax() time.Duration       { return time.Duration(c.BackoffMaxSec) * time.Second }
func (c *Config) LoopMinSleep() time.Duration     { return time.Duration(c.LoopMinSleepSec) * time.Second }
func (c *Config) LeaseTTL() time.Duration         { return time.Duration(c.LeaseTTLSec) * time.Second }
func (c *Config) ShutdownGrace() time.Duration    { return time.Duration(c.ShutdownGraceSec) * time.Second }
func (c *Config) IntegrityTimeout() time.Duration { return time.Duration(c.IntegrityTimeoutSec) * time.Second }
func (c *Config) ConvertTimeout() time.Duration   { return time.Duration(c.ConvertTimeoutSec) * time.Second }
