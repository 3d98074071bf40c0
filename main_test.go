package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvFileSetsSettingsPath(t *testing.T) {
	t.Setenv("SETTINGS_PATH", "")
	os.Unsetenv("SETTINGS_PATH")

	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("SETTINGS_PATH=/etc/tutor/settings.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	path, err := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), nil, envFile)
	if err != nil {
		t.Fatal(err)
	}
	if path != "/etc/tutor/settings.yaml" {
		t.Fatalf("config path = %q", path)
	}
}

func TestConfigFlagWins(t *testing.T) {
	t.Setenv("SETTINGS_PATH", "/from/env.yaml")

	path, err := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config", "/from/flag.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/from/flag.yaml" {
		t.Fatalf("config path = %q", path)
	}
}
