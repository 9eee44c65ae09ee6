package supervisor

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

// ServiceManager abstracts the OS service-control mechanism (an external
// collaborator). The default implementation shells out to the platform
// manager; tests substitute a fake.
type ServiceManager interface {
	Install(name, displayName, execPath string) error
	Uninstall(name string) error
	Start(name string) error
	Stop(name string) error
	Installed(name string) (bool, error)
	Running(name string) (bool, error)
}

// Controller layers idempotent install/uninstall semantics over a
// ServiceManager: registering an already-installed service (or removing an
// absent one) is a no-op success with a warning, not an error.
type Controller struct {
	Manager ServiceManager
	Logger  *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Controller) Install(name, displayName, execPath string) error {
	installed, err := c.Manager.Installed(name)
	if err != nil {
		return err
	}
	if installed {
		c.logger().Warn("service already installed", "name", name)
		return nil
	}
	return c.Manager.Install(name, displayName, execPath)
}

func (c *Controller) Uninstall(name string) error {
	installed, err := c.Manager.Installed(name)
	if err != nil {
		return err
	}
	if !installed {
		c.logger().Warn("service not installed", "name", name)
		return nil
	}
	return c.Manager.Uninstall(name)
}

// SystemManager drives sc.exe on Windows and systemctl elsewhere.
type SystemManager struct{}

func (m *SystemManager) Install(name, displayName, execPath string) error {
	if runtime.GOOS == "windows" {
		return run("sc.exe", "create", name,
			"binPath=", fmt.Sprintf("%s run", execPath),
			"DisplayName=", displayName,
			"start=", "auto")
	}
	return fmt.Errorf("install: unsupported platform %s; create a unit file for %s manually",
		runtime.GOOS, execPath)
}

func (m *SystemManager) Uninstall(name string) error {
	if runtime.GOOS == "windows" {
		return run("sc.exe", "delete", name)
	}
	return run("systemctl", "disable", "--now", name)
}

func (m *SystemManager) Start(name string) error {
	if runtime.GOOS == "windows" {
		return run("sc.exe", "start", name)
	}
	return run("systemctl", "start", name)
}

func (m *SystemManager) Stop(name string) error {
	if runtime.GOOS == "windows" {
		return run("sc.exe", "stop", name)
	}
	return run("systemctl", "stop", name)
}

func (m *SystemManager) Installed(name string) (bool, error) {
	if runtime.GOOS == "windows" {
		out, err := output("sc.exe", "query", name)
		if err != nil {
			if strings.Contains(out, "1060") { // service does not exist
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	out, _ := output("systemctl", "list-unit-files", name+".service")
	return strings.Contains(out, name+".service"), nil
}

func (m *SystemManager) Running(name string) (bool, error) {
	if runtime.GOOS == "windows" {
		out, err := output("sc.exe", "query", name)
		if err != nil {
			return false, err
		}
		return strings.Contains(out, "RUNNING"), nil
	}
	out, _ := output("systemctl", "is-active", name)
	return strings.TrimSpace(out) == "active", nil
}

func run(name string, args ...string) error {
	out, err := output(name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	return nil
}

func output(name string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
