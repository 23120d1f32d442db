// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/config"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts:
// database location writable, listen address parseable, watch directories
// present, media tools on PATH.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDatabaseLocation(logger, cfg.DBURL); err != nil {
		return fmt.Errorf("database location check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkWatchDirs(logger, cfg.WatchDirs); err != nil {
		return fmt.Errorf("watch directory check failed: %w", err)
	}
	if err := checkTools(logger, cfg); err != nil {
		return fmt.Errorf("tool check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDatabaseLocation(logger zerolog.Logger, dbURL string) error {
	if strings.HasPrefix(dbURL, "memory://") {
		logger.Warn().Msg("in-memory store configured; state is lost on restart")
		return nil
	}
	path := strings.TrimPrefix(dbURL, "sqlite://")
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str(log.FieldDB, path).Msg("database directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkWatchDirs(logger zerolog.Logger, dirs []string) error {
	for _, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("watch directory cannot be empty")
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("watch directory must be an absolute path: %s", dir)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("watch directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch path is not a directory: %s", dir)
		}
	}
	if len(dirs) > 0 {
		logger.Info().Int("count", len(dirs)).Msg("watch directories validated")
	}
	return nil
}

func checkTools(logger zerolog.Logger, cfg config.Config) error {
	ffprobe := strings.TrimSpace(cfg.FFprobePath)
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if _, err := exec.LookPath(ffprobe); err != nil {
		return fmt.Errorf("ffprobe binary not found (%s): %w", ffprobe, err)
	}
	ffmpeg := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpeg); err != nil {
		return fmt.Errorf("ffmpeg binary not found (%s): %w", ffmpeg, err)
	}
	logger.Info().Str("ffprobe", ffprobe).Str("ffmpeg", ffmpeg).Msg("media tools available")
	return nil
}
