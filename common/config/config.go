// Package config provides shared configuration utilities for liveclass components
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FindConfigFile searches for a config file in multiple platform-appropriate locations
// Returns the path and data if found, or an error if not found in any location
func FindConfigFile(filename string, component string) (string, []byte, error) {
	searchPaths := GetConfigSearchPaths(filename, component)

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config files
func GetConfigSearchPaths(filename string, component string) []string {
	var searchPaths []string

	// 1. Component-specific system directory (highest priority for services)
	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "LiveClass", component, filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "LiveClass", component, filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc/liveclass", component, filename))
	}

	// 2. User-specific config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "LiveClass", component, filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "LiveClass", component, filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "liveclass", component, filename))
		}
	}

	// 3. Executable directory
	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	// 4. Current working directory (lowest priority)
	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// GetDataDirectory returns the directory for application data.
// Service mode uses a system-wide directory, interactive mode a per-user one.
func GetDataDirectory(component string, isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "LiveClass", component)
		default:
			dataDir = filepath.Join("/var/lib/liveclass", component)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}

		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "LiveClass", component)
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "LiveClass", component)
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "liveclass", component)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetLogDirectory returns the appropriate directory for storing logs
func GetLogDirectory(component string, isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "LiveClass", component, "logs")
		default:
			logDir = filepath.Join("/var/log/liveclass", component)
		}
	} else {
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// WriteDefaultTOML writes a default TOML configuration file with the provided structure.
// An existing file is never overwritten.
func WriteDefaultTOML(configPath string, config interface{}) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadTOML loads a TOML configuration file into the provided structure
func LoadTOML(configPath string, config interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// DatabaseConfig holds database settings.
// Driver selects the backend; sqlite uses Path, postgres uses DSN or the
// discrete connection fields.
type DatabaseConfig struct {
	Driver              string `toml:"driver" env:"DRIVER"`
	Path                string `toml:"path" env:"PATH"`
	DSN                 string `toml:"dsn" env:"DSN"`
	Host                string `toml:"host" env:"HOST"`
	Port                int    `toml:"port" env:"PORT"`
	Name                string `toml:"name" env:"NAME"`
	User                string `toml:"user" env:"USER"`
	Password            string `toml:"password" env:"PASSWORD"`
	SSLMode             string `toml:"sslmode" env:"SSLMODE"`
	MaxOpenConns        int    `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int    `toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetimeSecs int    `toml:"conn_max_lifetime_secs" env:"CONN_MAX_LIFETIME_SECS"`
}

// EffectiveDriver returns the normalized driver name, defaulting to sqlite.
func (c *DatabaseConfig) EffectiveDriver() string {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" {
		return "sqlite"
	}
	return driver
}

// BuildDSN returns the connection string for the configured driver.
// For sqlite this is the file path; for postgres an explicit DSN wins over
// the discrete fields.
func (c *DatabaseConfig) BuildDSN() string {
	switch c.EffectiveDriver() {
	case "postgres", "postgresql":
		if c.DSN != "" {
			return c.DSN
		}
		if c.Host == "" || c.Name == "" {
			return ""
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
			Path:   "/" + c.Name,
		}
		if c.User != "" {
			if c.Password != "" {
				u.User = url.UserPassword(c.User, c.Password)
			} else {
				u.User = url.User(c.User)
			}
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u.RawQuery = "sslmode=" + url.QueryEscape(sslMode)
		return u.String()
	default:
		if c.DSN != "" {
			return c.DSN
		}
		return c.Path
	}
}

// Validate reports obviously broken database settings before a connection is attempted.
func (c *DatabaseConfig) Validate() error {
	switch c.EffectiveDriver() {
	case "sqlite", "sqlite3", "modernc":
		return nil
	case "postgres", "postgresql":
		if c.BuildDSN() == "" {
			return errors.New("postgres requires dsn or host and name")
		}
		return nil
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `toml:"level" env:"LEVEL"`
	Dir     string `toml:"dir" env:"DIR"`
	Console bool   `toml:"console" env:"CONSOLE"`
}
