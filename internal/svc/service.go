// Package svc runs "refcas serve" as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// RunFunc runs the server until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
// It must not block - start the actual work in a goroutine.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the running server and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // Service name, "refcas" by default
	DisplayName string // Display name shown in service manager
	Description string
	ConfigPath  string // Passed to "refcas serve --config"
	UserName    string // User to run service as (Linux/macOS only)
}

// DefaultServiceConfig fills in names and the platform config path.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        "refcas",
		DisplayName: "refcas object store",
		Description: "Content-addressed, reference-counted object storage",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the default config file path for the platform.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "refcas", "refcas.yaml")
	}
	return "/etc/refcas/refcas.yaml"
}

// NewServiceConfig creates service.Config from our ServiceConfig.
func NewServiceConfig(cfg *ServiceConfig, goos string) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"serve", RunFlag, "--config", cfg.ConfigPath},
	}

	// Platform-specific options
	switch goos {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

func control(cfg *ServiceConfig) (service.Service, error) {
	return newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
}

// Install installs the service. An installed service is replaced only when
// force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", cfg.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg *ServiceConfig) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Start starts the service.
func Start(cfg *ServiceConfig) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Stop stops the service.
func Stop(cfg *ServiceConfig) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager. It returns when the service stops.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// Interactive reports whether the process runs in a terminal rather than
// under a service manager.
func Interactive() bool {
	return service.Interactive()
}

// CheckPrivileges checks if the current user may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// The service manager reports a clearer error than we could here.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}
