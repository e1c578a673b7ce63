package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Directory returns the configuration directory.
//   - Windows: %USERPROFILE%\.config\rescale-bulk
//   - Unix: ~/.config/rescale-bulk
func Directory() (string, error) {
	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		return filepath.Join(userProfile, ".config", "rescale-bulk"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rescale-bulk"), nil
}

// LogDirectory returns where log files go when [logging] file is relative.
func LogDirectory() string {
	dir, err := Directory()
	if err != nil {
		return filepath.Join(os.TempDir(), "rescale-bulk-logs")
	}
	return filepath.Join(dir, "logs")
}

// LogFilePath resolves the configured log file. An empty name disables file logging.
func (c *Config) LogFilePath() string {
	if c.LogFile == "" {
		return ""
	}
	if filepath.IsAbs(c.LogFile) {
		return c.LogFile
	}
	return filepath.Join(LogDirectory(), c.LogFile)
}

// EnsureLogDirectory creates the log directory with owner-only permissions.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
