package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thestingr/ghidrad/internal/config"
	"github.com/thestingr/ghidrad/internal/infra/httpserver"
	"github.com/thestingr/ghidrad/internal/supervisor"
)

const (
	serviceName    = "ghidrad"
	serviceDisplay = "Ghidra Analysis Supervisor"

	exitOK    = 0 // success
	exitError = 1 // recoverable failure
	exitFatal = 2 // unrecoverable or configuration failure
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ghidrad",
		Short:         "Supervised Ghidra analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config file")

	root.AddCommand(
		runCommand(&cfgPath),
		installCommand(),
		uninstallCommand(),
		controlCommand("start", "Start the installed service"),
		controlCommand("stop", "Stop the installed service"),
		restartCommand(),
		statusCommand(&cfgPath),
		healthCommand(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if ec, ok := err.(exitCoder); ok {
			return ec.exitCode()
		}
		return exitError
	}
	return exitOK
}

type exitCoder interface{ exitCode() int }

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) exitCode() int { return exitFatal }
func (e usageError) Unwrap() error { return e.err }

// fatalError marks an unrecoverable service failure, such as an exhausted
// restart budget.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) exitCode() int { return exitFatal }
func (e fatalError) Unwrap() error { return e.err }

func defaultConfigPath() string {
	if p := os.Getenv("GHIDRAD_CONFIG"); p != "" {
		return p
	}
	return "ghidrad.yaml"
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, usageError{fmt.Errorf("config %s: %w", path, err)}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Server.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runCommand is the service body: it wires the runtime, starts the admin
// surface, and hands the lifecycle to the supervisor until a signal or a
// terminal supervisor state.
func runCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the service in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.CloseJournal()

			sup := supervisor.New(supervisor.Config{
				HealthInterval:    time.Duration(cfg.Service.HealthIntervalMS) * time.Millisecond,
				MaxHealthFailures: cfg.Service.MaxHealthFailures,
				MaxRestarts:       cfg.Service.MaxRestarts,
				RestartBaseDelay:  time.Duration(cfg.Service.RestartBaseDelayMS) * time.Millisecond,
				RestartMaxDelay:   time.Duration(cfg.Service.RestartMaxDelayMS) * time.Millisecond,
				ShutdownGrace:     time.Duration(cfg.Service.ShutdownGraceMS) * time.Millisecond,
			}, rt, logger)

			// The admin surface lives outside the restart cycle so state
			// stays observable while the runtime is being restarted.
			admin := &http.Server{
				Addr: cfg.Server.AdminListen,
				Handler: httpserver.NewRouter(sup, rt.orch, rt.journalPort(),
					rt.Checks(), logger),
			}
			go func() {
				logger.Info("admin surface listening", "addr", cfg.Server.AdminListen)
				if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("admin surface failed", "error", err)
				}
			}()
			defer func() {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutCancel()
				admin.Shutdown(shutCtx)
			}()

			logger.Info("service starting",
				"listen", cfg.Server.Listen,
				"max_concurrent", cfg.Pipeline.MaxConcurrent)
			if err := sup.Run(ctx); err != nil {
				logger.Error("service exited with failure", "error", err)
				if errors.Is(err, supervisor.ErrFailed) {
					return fatalError{err}
				}
				return err
			}
			logger.Info("service stopped")
			return nil
		},
	}
}

func installCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Register the service with the OS service manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return err
			}
			ctl := &supervisor.Controller{Manager: &supervisor.SystemManager{}}
			return ctl.Install(serviceName, serviceDisplay, execPath)
		},
	}
}

func uninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl := &supervisor.Controller{Manager: &supervisor.SystemManager{}}
			return ctl.Uninstall(serviceName)
		},
	}
}

func controlCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := &supervisor.SystemManager{}
			if verb == "start" {
				return mgr.Start(serviceName)
			}
			return mgr.Stop(serviceName)
		},
	}
}

func restartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the installed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := &supervisor.SystemManager{}
			if err := mgr.Stop(serviceName); err != nil {
				return err
			}
			return mgr.Start(serviceName)
		},
	}
}

// statusCommand and healthCommand query the admin surface of the running
// instance rather than the OS service manager, so they report the
// supervisor's own view of its state.
func statusCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running service's supervisor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			body, _, err := adminGet(cfg, "/status")
			if err != nil {
				return fmt.Errorf("service unreachable at %s: %w", cfg.Server.AdminListen, err)
			}
			var out map[string]any
			if err := json.Unmarshal(body, &out); err != nil {
				return err
			}
			pretty, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(pretty))
			return nil
		},
	}
}

func healthCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the running service's health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			body, code, err := adminGet(cfg, "/health")
			if err != nil {
				return fmt.Errorf("service unreachable at %s: %w", cfg.Server.AdminListen, err)
			}
			fmt.Println(string(body))
			if code != http.StatusOK {
				return fmt.Errorf("unhealthy (HTTP %d)", code)
			}
			return nil
		},
	}
}

func adminGet(cfg *config.Config, path string) ([]byte, int, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.Server.AdminListen + path)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
