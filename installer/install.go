// Package installer prepares the host for running the shop. Today that is
// the fail2ban jail watching the auth-failure log.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Config struct {
	AuthLogPath string
	FilterDir   string
	JailDir     string
	// ReloadCommand is run after the files are written; empty skips it.
	ReloadCommand []string
}

func DefaultConfig(authLogPath string) Config {
	return Config{
		AuthLogPath:   authLogPath,
		FilterDir:     "/etc/fail2ban/filter.d",
		JailDir:       "/etc/fail2ban/jail.d",
		ReloadCommand: []string{"fail2ban-client", "reload"},
	}
}

func RunSetup(ctx context.Context, cfg Config) error {
	steps := []struct {
		name string
		fn   func(context.Context, Config) error
	}{
		{"configure_fail2ban", configureFail2Ban},
		{"reload_fail2ban", reloadFail2Ban},
	}

	for _, step := range steps {
		if err := step.fn(ctx, cfg); err != nil {
			return fmt.Errorf("step %s failed: %w", step.name, err)
		}
	}
	return nil
}

func configureFail2Ban(_ context.Context, cfg Config) error {
	if cfg.AuthLogPath == "" {
		return errors.New("auth log path is required")
	}
	filter := "[Definition]\nfailregex = \\[AUTH_FAIL\\] .* from IP: <HOST>$\n"
	if err := writeFile(filepath.Join(cfg.FilterDir, "vpnshop.conf"), filter); err != nil {
		return err
	}

	jail := strings.Join([]string{
		"[vpnshop]",
		"enabled = true",
		"filter = vpnshop",
		"port = http,https",
		"logpath = " + cfg.AuthLogPath,
		"maxretry = 3",
		"bantime = 3600",
		""}, "\n")
	return writeFile(filepath.Join(cfg.JailDir, "vpnshop.local"), jail)
}

func reloadFail2Ban(ctx context.Context, cfg Config) error {
	if len(cfg.ReloadCommand) == 0 {
		return nil
	}
	return runCommand(ctx, cfg.ReloadCommand[0], cfg.ReloadCommand[1:]...)
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
