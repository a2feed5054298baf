// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aquifercache/aquifer/internal/config"
	"github.com/aquifercache/aquifer/internal/log"
)

// PerformStartupChecks validates the environment before the daemon binds its
// listener. Failing fast here beats a daemon that boots and then cannot write
// a single snapshot.
func PerformStartupChecks(cfg *config.Config) error {
	logger := log.WithComponent("startup-check")

	if err := checkListenAddr(cfg.Listen); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	logger.Info().Str("addr", cfg.Listen).Msg("listen address is valid")

	if err := checkWritableDir(cfg.SnapshotDir); err != nil {
		return fmt.Errorf("snapshot directory check failed: %w", err)
	}
	logger.Info().Str("path", cfg.SnapshotDir).Msg("snapshot directory is writable")

	if dir := filepath.Dir(cfg.ManifestDB); dir != "." {
		if err := checkWritableDir(dir); err != nil {
			return fmt.Errorf("manifest directory check failed: %w", err)
		}
		logger.Info().Str("path", dir).Msg("manifest directory is writable")
	}

	logger.Info().Str("event", "startup.checks_passed").Msg("all startup checks passed")
	return nil
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	return nil
}

// checkWritableDir creates the directory if needed and proves writability
// with a probe file. Stat alone lies on read-only mounts.
func checkWritableDir(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("cannot remove probe file in %s: %w", path, err)
	}
	return nil
}
