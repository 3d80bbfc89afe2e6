package bootstrap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const serviceName = "netboot-imager"

// Runner executes system commands. Stubbed in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct {
	log *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, bytes.TrimSpace(out))
	}
	r.log.Debug("Ran command", "cmd", name, "args", args)
	return nil
}

// Config configures the installer.
type Config struct {
	// ServerAddr is the orchestrator host:port.
	ServerAddr string

	// InstallDir holds the service binary and its config.
	InstallDir string

	// UnitPath is where the systemd unit is installed.
	UnitPath string
}

// Installer converges the local imager service installation against the
// orchestrator's bootstrap artifacts.
type Installer struct {
	cfg    Config
	log    *slog.Logger
	client *http.Client
	runner Runner
}

// NewInstaller creates an installer with default paths filled in.
func NewInstaller(cfg Config, log *slog.Logger) *Installer {
	if cfg.InstallDir == "" {
		cfg.InstallDir = "/opt/netboot-imager"
	}
	if cfg.UnitPath == "" {
		cfg.UnitPath = "/etc/systemd/system/netboot-imager.service"
	}
	return &Installer{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 30 * time.Second},
		runner: execRunner{log: log},
	}
}

// artifact binds one bootstrap endpoint to its install destination.
type artifact struct {
	endpoint string
	dest     string
	mode     os.FileMode
}

func (i *Installer) artifacts() []artifact {
	return []artifact{
		{"imager-service", filepath.Join(i.cfg.InstallDir, serviceName), 0o755},
		{"imager-config", filepath.Join(i.cfg.InstallDir, "config.json"), 0o644},
		{"imager-unit", i.cfg.UnitPath, 0o644},
	}
}

// Converge installs or removes the service depending on how the system was
// booted. Safe to run on every boot.
func (i *Installer) Converge(ctx context.Context, kind BootKind) error {
	i.log.Info("Converging imager service installation", "boot", kind.String())
	if kind == BootNetwork {
		return i.Install(ctx)
	}
	return i.Remove(ctx)
}

// Install fetches all bootstrap artifacts and overwrites the local copies.
// The fetch always happens so updates propagate; the service restart is
// skipped when every artifact hash is unchanged.
func (i *Installer) Install(ctx context.Context) error {
	if err := os.MkdirAll(i.cfg.InstallDir, 0o755); err != nil {
		return fmt.Errorf("creating install dir: %w", err)
	}

	changed := false
	for _, a := range i.artifacts() {
		payload, err := i.fetch(ctx, a.endpoint)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", a.endpoint, err)
		}

		same, err := contentMatches(a.dest, payload)
		if err != nil {
			return err
		}
		if same {
			continue
		}

		if err := writeAtomic(a.dest, payload, a.mode); err != nil {
			return fmt.Errorf("installing %s: %w", a.dest, err)
		}
		i.log.Info("Installed artifact", "dest", a.dest, "bytes", len(payload))
		changed = true
	}

	if err := i.runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return err
	}
	if err := i.runner.Run(ctx, "systemctl", "enable", serviceName); err != nil {
		i.log.Warn("Could not enable service", "err", err)
	}

	if !changed {
		i.log.Info("Artifacts unchanged, skipping service restart")
		return nil
	}
	return i.runner.Run(ctx, "systemctl", "restart", serviceName)
}

// Remove disables the service and deletes its installation. Used on local
// boots, where the device runs its own OS and must not expose the imager.
func (i *Installer) Remove(ctx context.Context) error {
	// Best effort: the service may never have been installed.
	if err := i.runner.Run(ctx, "systemctl", "disable", "--now", serviceName); err != nil {
		i.log.Debug("Service not disabled", "err", err)
	}

	if err := os.Remove(i.cfg.UnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit: %w", err)
	}
	if err := os.RemoveAll(i.cfg.InstallDir); err != nil {
		return fmt.Errorf("removing install dir: %w", err)
	}

	return i.runner.Run(ctx, "systemctl", "daemon-reload")
}

func (i *Installer) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	url := fmt.Sprintf("http://%s/api/bootstrap/%s", i.cfg.ServerAddr, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// contentMatches compares the existing file against the fetched payload by
// hash. A missing or unreadable file never matches.
func contentMatches(path string, payload []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return sha256.Sum256(existing) == sha256.Sum256(payload), nil
}

// writeAtomic writes via a temp file and rename so a crash mid-write never
// leaves a truncated binary behind.
func writeAtomic(dest string, payload []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
