// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "state.db", cfg.DBURL)
	assert.Equal(t, 30*time.Second, cfg.StableWait())
	assert.Equal(t, 600*time.Second, cfg.BackoffMax())
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, "auto", cfg.IntegrityMode)
	assert.Contains(t, cfg.VideoExts, ".mkv")
	assert.Contains(t, cfg.SkipSuffixes, ".part")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_url: /var/lib/plexaudio/state.db
stable_wait_sec: 60
batch_size: 10
delete_original: true
watch_dirs:
  - /media/downloads
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/plexaudio/state.db", cfg.DBURL)
	assert.Equal(t, 60, cfg.StableWaitSec)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.True(t, cfg.DeleteOriginal)
	assert.Equal(t, []string{"/media/downloads"}, cfg.WatchDirs)
	assert.Equal(t, 4, cfg.Parallelism, "untouched keys keep defaults")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_knob: 1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_knob")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_url: from-file.db\nbatch_size: 10\n"), 0o600))

	t.Setenv("STATE_DB_URL", "memory://")
	t.Setenv("STATE_BATCH_SIZE", "7")
	t.Setenv("STATE_DELETE_ORIGINAL", "true")
	t.Setenv("STATE_PARALLELISM", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory://", cfg.DBURL)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.True(t, cfg.DeleteOriginal)
	assert.Equal(t, 4, cfg.Parallelism, "garbage env values are ignored")
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty db_url":       func(c *Config) { c.DBURL = " " },
		"zero stable wait":   func(c *Config) { c.StableWaitSec = 0 },
		"inverted backoff":   func(c *Config) { c.BackoffMaxSec = c.BackoffStepSec - 1 },
		"zero batch":         func(c *Config) { c.BatchSize = 0 },
		"zero parallelism":   func(c *Config) { c.Parallelism = 0 },
		"bad integrity mode": func(c *Config) { c.IntegrityMode = "thorough" },
		"negative retention": func(c *Config) { c.KeepProcessedDays = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
