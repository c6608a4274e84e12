package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"

	"github.com/oralable/oralytics/internal/logger"
)

const serviceName = "oralytics"

// ErrServiceNotInstalled is returned by lifecycle calls on a missing service.
var ErrServiceNotInstalled = errors.New("service not installed")

// ServiceConfig holds configuration for creating the service.
type ServiceConfig struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
	// RunArgs are appended to "run", e.g. ["--simulate"].
	RunArgs []string
}

// RunFunc is the foreground ingestion loop the service hosts. It returns
// when ctx is cancelled or its source is exhausted.
type RunFunc func(ctx context.Context) error

// program adapts a RunFunc to service.Program.
type program struct {
	run    RunFunc
	cancel context.CancelFunc
	done   chan error
}

// Start must return quickly; the work runs in a goroutine.
func (p *program) Start(s service.Service) error {
	if p.run == nil {
		return errors.New("no run function configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := p.run(ctx)
		p.done <- err
		if err != nil && ctx.Err() == nil {
			logger.Error("Service run failed", "error", err)
			// Exit non-zero so the service manager's restart policy applies.
			os.Exit(1)
		}
	}()
	return nil
}

// Stop cancels the run loop and waits for its final flush.
func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case err := <-p.done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(2 * shutdownTimeout):
		return errors.New("timed out waiting for shutdown")
	}
}

// NewService creates the service definition. run may be nil for lifecycle
// commands that never host the program.
func NewService(svcConfig ServiceConfig, run RunFunc) (service.Service, error) {
	prg := &program{run: run}

	cfg := &service.Config{
		Name:        serviceName,
		DisplayName: "Oralytics Metrics Engine",
		Description: "Ingests wearable sensor samples and keeps historical rollups current.",
	}

	userMode := svcConfig.UserMode
	if !userMode {
		userMode = isUserServiceInstalled()
	}
	if userMode {
		cfg.Option = service.KeyValue{
			"UserService": true,
		}
	}

	switch runtime.GOOS {
	case "darwin":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		})
	case "linux":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	cfg.Arguments = ServiceArguments(svcConfig)
	return service.New(prg, cfg)
}

// ServiceArguments returns the command line the service manager runs.
func ServiceArguments(svcConfig ServiceConfig) []string {
	args := []string{"run"}
	if svcConfig.ConfigPath != "" {
		args = append(args, "--config", svcConfig.ConfigPath)
	}
	if svcConfig.Debug {
		args = append(args, "--debug")
	}
	return append(args, svcConfig.RunArgs...)
}

func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// Interactive reports whether the process runs from a terminal rather than
// under a service manager.
func Interactive() bool {
	return service.Interactive()
}

// RunService hosts run under the platform service manager and blocks until
// the manager stops it.
func RunService(run RunFunc) error {
	svc, err := NewService(ServiceConfig{}, run)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return svc.Run()
}

// Install installs the service.
func Install(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig, nil)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil && status != service.StatusUnknown {
		return fmt.Errorf("service already installed")
	}

	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall() error {
	svc, err := NewService(ServiceConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return ErrServiceNotInstalled
	}
	if status == service.StatusRunning {
		_ = svc.Stop()
	}

	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	return nil
}

// Control runs a lifecycle action ("start", "stop" or "restart") against
// the installed service.
func Control(action string) error {
	svc, err := NewService(ServiceConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if _, err := svc.Status(); err != nil {
		return ErrServiceNotInstalled
	}
	if err := service.Control(svc, action); err != nil {
		if os.IsPermission(errors.Unwrap(err)) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	return nil
}

// ServiceState returns "running", "stopped", "unknown" or "not_installed".
func ServiceState() string {
	svc, err := NewService(ServiceConfig{}, nil)
	if err != nil {
		return "unknown"
	}
	status, err := svc.Status()
	if err != nil {
		return "not_installed"
	}
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// isUserServiceInstalled checks for a plist in the user's LaunchAgents.
func isUserServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, "Library", "LaunchAgents", serviceName+".plist"))
	return err == nil
}
