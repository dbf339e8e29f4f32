package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semforge/workflow"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semforge.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semforge"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "SEMFORGE_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semforge/config.yaml)
// 3. Project config (semforge.yaml in current or parent directories),
// or explicitPath when it is set
// 4. SEMFORGE_* environment variables
func (l *Loader) Load(explicitPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if err := l.applyFile(config, userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := explicitPath
	if projectConfigPath == "" {
		projectConfigPath = l.findProjectConfig()
	}
	if projectConfigPath != "" {
		if err := l.applyFile(config, projectConfigPath); err != nil {
			if explicitPath != "" {
				return nil, err
			}
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyFile merges the keys present in path over config.
func (l *Loader) applyFile(config *Config, path string) error {
	var layer Config
	if err := decodeFile(path, &layer); err != nil {
		return err
	}
	config.Merge(&layer)
	return nil
}

// applyEnv applies SEMFORGE_* overrides.
func (l *Loader) applyEnv(config *Config) error {
	strs := map[string]*string{
		"PROJECT_TYPE":    &config.Orchestrator.ProjectType,
		"POLICY_PATH":     &config.Orchestrator.PolicyPath,
		"STORAGE_BACKEND": &config.Storage.Backend,
		"STORAGE_URL":     &config.Storage.URL,
		"STORAGE_BUCKET":  &config.Storage.Bucket,
		"NATS_STORE_DIR":  &config.NATS.StoreDir,
		"HTTP_ADDR":       &config.HTTP.Addr,
		"INBOX_DIR":       &config.Inbox.Dir,
	}
	for name, dst := range strs {
		if v := l.env(name); v != "" {
			*dst = v
		}
	}

	if v := l.env("MODE"); v != "" {
		config.Orchestrator.Mode = workflow.Mode(v)
	}
	if v := l.env("NATS_URL"); v != "" {
		config.NATS.URL = v
		config.NATS.Embedded = false
	}
	if v := l.env("INBOX_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sINBOX_ENABLED: %w", EnvPrefix, err)
		}
		config.Inbox.Enabled = enabled
	}
	if v := l.env("CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCHECK_INTERVAL: %w", EnvPrefix, err)
		}
		config.Orchestrator.CheckInterval = d
	}
	return nil
}

func (l *Loader) env(name string) string {
	return strings.TrimSpace(l.getenv(EnvPrefix + name))
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semforge.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
