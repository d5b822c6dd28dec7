package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Defaults are the paths and identity rv uses when the command line does not
// override them.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
	HostID     string
}

// GetDefaults returns application defaults, checking environment variables first.
// Environment variables:
//   - RV_CONFIG_PATH: config file location (default: ~/.config/rv.toml)
//   - RV_HOME: base directory for rv data (default: ~/.local/share/rv)
//   - RV_HOST_ID: identity snapshots are stored under (default: the hostname)
func GetDefaults() (*Defaults, error) {
	homeDir, homeErr := os.UserHomeDir()
	home := func(parts ...string) (string, error) {
		if homeErr != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", homeErr)
		}
		return filepath.Join(append([]string{homeDir}, parts...)...), nil
	}

	d := &Defaults{
		ConfigPath: os.Getenv("RV_CONFIG_PATH"),
		BaseDir:    os.Getenv("RV_HOME"),
		HostID:     os.Getenv("RV_HOST_ID"),
	}

	var err error
	if d.ConfigPath == "" {
		if d.ConfigPath, err = home(".config", "rv.toml"); err != nil {
			return nil, err
		}
	}
	if d.BaseDir == "" {
		if d.BaseDir, err = home(".local", "share", "rv"); err != nil {
			return nil, err
		}
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")

	if d.HostID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("cannot determine hostname: %w", err)
		}
		d.HostID = sanitizeHostID(hostname)
	}

	return d, nil
}

// sanitizeHostID keeps host IDs usable as file and object names.
func sanitizeHostID(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
