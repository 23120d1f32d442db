// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the YAML file when
// path is non-empty (or exists), then ENV overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile decodes the YAML file strictly; unknown keys are configuration
// mistakes, not extensions.
func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays STATE_* environment variables. Unparseable numeric values
// are ignored rather than fatal; the variable names are logged at startup.
func applyEnv(cfg *Config) {
	setStr(&cfg.DBURL, "STATE_DB_URL")
	setStr(&cfg.LogLevel, "STATE_LOG_LEVEL")
	setStr(&cfg.LogFormat, "STATE_LOG_FORMAT")
	setStr(&cfg.IntegrityMode, "STATE_INTEGRITY_MODE")
	setStr(&cfg.FFprobePath, "STATE_FFPROBE_PATH")
	setStr(&cfg.FFmpegPath, "STATE_FFMPEG_PATH")
	setStr(&cfg.ListenAddr, "STATE_LISTEN_ADDR")

	setInt(&cfg.StableWaitSec, "STATE_STABLE_WAIT_SEC")
	setInt(&cfg.BackoffStepSec, "STATE_BACKOFF_STEP_SEC")
	setInt(&cfg.BackoffMaxSec, "STATE_BACKOFF_MAX_SEC")
	setInt(&cfg.MaxIntegrityAttempts, "STATE_MAX_INTEGRITY_ATTEMPTS")
	setInt(&cfg.BatchSize, "STATE_BATCH_SIZE")
	setInt(&cfg.Parallelism, "STATE_PARALLELISM")
	setInt(&cfg.LoopMinSleepSec, "STATE_LOOP_MIN_SLEEP_SEC")
	setInt(&cfg.KeepProcessedDays, "STATE_KEEP_PROCESSED_DAYS")
	setInt(&cfg.IntegrityTimeoutSec, "STATE_INTEGRITY_TIMEOUT_SEC")

	setBool(&cfg.DeleteOriginal, "STATE_DELETE_ORIGINAL")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
