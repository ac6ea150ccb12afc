package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("LiveClass Server service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runServer(p.ctx, resolveConfigPath(p.configPath)); err != nil {
		if p.svcLogger != nil {
			p.svcLogger.Errorf("LiveClass Server exited: %v", err)
		}
		return
	}
	if p.svcLogger != nil {
		p.svcLogger.Info("LiveClass Server service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("LiveClass Server service stopped gracefully")
		}
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("LiveClass Server service stopped with timeout")
		}
	}
	return nil
}

// serviceWorkingDir returns the platform data directory used as the
// service working directory.
func serviceWorkingDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "LiveClass", "server")
	case "darwin":
		return "/Library/Application Support/LiveClass/server"
	default:
		return "/var/lib/liveclass/server"
	}
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig(configPath string) *service.Config {
	args := []string{}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &service.Config{
		Name:             "LiveClassServer",
		DisplayName:      "LiveClass Server",
		Description:      "LiveClass session sync server. Tracks classroom devices, reconciles late reports and maintains section rollups.",
		WorkingDirectory: serviceWorkingDir(),
		Arguments:        args,
		Option: service.KeyValue{
			// Windows
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// systemd
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",

			// launchd
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}
}

// handleServiceCommand processes service install/uninstall/start/stop/run commands
func handleServiceCommand(cmd, configPath string) {
	s, err := service.New(&program{configPath: configPath}, getServiceConfig(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to setup service directories: %v\n", err)
			os.Exit(1)
		}
		if err := s.Install(); err != nil && !strings.Contains(err.Error(), "already exists") {
			fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LiveClass Server service installed. Use '--service start' to start it.")
	case "uninstall":
		if status, _ := s.Status(); status == service.StatusRunning {
			_ = s.Stop()
		}
		if err := s.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("LiveClass Server service uninstalled")
	case "start", "stop", "restart":
		if err := service.Control(s, cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to %s service: %v\n", cmd, err)
			os.Exit(1)
		}
		fmt.Printf("LiveClass Server service %s requested\n", cmd)
	case "run":
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Service run failed: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown service command: %s\n", cmd)
		fmt.Println("Valid commands: install, uninstall, start, stop, restart, run")
		os.Exit(1)
	}
}

// runAsService starts the server under service manager control
func runAsService(configPath string) {
	s, err := service.New(&program{configPath: configPath}, getServiceConfig(configPath))
	if err != nil {
		os.Exit(1)
	}
	if err := s.Run(); err != nil {
		os.Exit(1)
	}
}

// setupServiceDirectories creates the data, log and config directories and
// a default config when none exists.
func setupServiceDirectories() error {
	var dirs []string
	var configPath string

	switch runtime.GOOS {
	case "windows":
		serverDir := serviceWorkingDir()
		dirs = []string{serverDir, filepath.Join(serverDir, "logs")}
		configPath = filepath.Join(serverDir, "config.toml")
	case "darwin":
		serverDir := serviceWorkingDir()
		dirs = []string{serverDir, filepath.Join(serverDir, "logs"), "/var/log/liveclass/server"}
		configPath = filepath.Join(serverDir, "config.toml")
	default:
		dirs = []string{
			"/var/lib/liveclass/server",
			"/var/log/liveclass/server",
			"/etc/liveclass/server",
		}
		configPath = "/etc/liveclass/server/config.toml"
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to generate default config at %s: %w", configPath, err)
		}
		fmt.Printf("Generated default configuration at: %s\n", configPath)
	}
	return nil
}
