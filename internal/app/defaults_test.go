package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("RV_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("RV_HOME", "/custom/rv")
		t.Setenv("RV_HOST_ID", "build-01")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults.ConfigPath != "/custom/config.toml" {
			t.Errorf("ConfigPath = %q, want %q", defaults.ConfigPath, "/custom/config.toml")
		}
		if defaults.BaseDir != "/custom/rv" {
			t.Errorf("BaseDir = %q, want %q", defaults.BaseDir, "/custom/rv")
		}
		if defaults.LogDir != "/custom/rv/log" {
			t.Errorf("LogDir = %q, want %q", defaults.LogDir, "/custom/rv/log")
		}
		if defaults.HostID != "build-01" {
			t.Errorf("HostID = %q, want %q", defaults.HostID, "build-01")
		}
	})

	t.Run("falls back to home dir and hostname", func(t *testing.T) {
		t.Setenv("RV_CONFIG_PATH", "")
		t.Setenv("RV_HOME", "")
		t.Setenv("RV_HOST_ID", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "rv.toml")
		if defaults.ConfigPath != wantConfig {
			t.Errorf("ConfigPath = %q, want %q", defaults.ConfigPath, wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "rv")
		if defaults.BaseDir != wantBase {
			t.Errorf("BaseDir = %q, want %q", defaults.BaseDir, wantBase)
		}

		hostname, _ := os.Hostname()
		if defaults.HostID != sanitizeHostID(hostname) {
			t.Errorf("HostID = %q, want %q", defaults.HostID, sanitizeHostID(hostname))
		}
	})
}

func TestSanitizeHostID(t *testing.T) {
	tests := map[string]string{
		"build-01":          "build-01",
		"Build.Example.COM": "build-example-com",
		"a b/c":             "a-b-c",
	}
	for in, want := range tests {
		if got := sanitizeHostID(in); got != want {
			t.Errorf("sanitizeHostID(%q) = %q, want %q", in, got, want)
		}
	}
}
