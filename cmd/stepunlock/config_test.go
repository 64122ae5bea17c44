package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/stepunlock/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func TestConfigInitCmd(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := configInitCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("Config init failed: %v", err)
	}

	configPath := filepath.Join(tmpDir, ".stepunlock", "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatalf("Config file not created at %s", configPath)
	}

	out.Reset()
	if err := configInitCmd.RunE(cmd, nil); err != nil {
		t.Errorf("Config init should succeed when config exists: %v", err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("second init output = %q", out.String())
	}
}

func TestEmbeddedConfigLoads(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, embeddedDefaultConfig, 0644); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", path, "")
	loaded, err := config.Load(cmd)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Port != config.DefaultServerPort {
		t.Errorf("port = %d, want %d", loaded.Server.Port, config.DefaultServerPort)
	}
	if len(loaded.Habits) != 4 {
		t.Errorf("habits = %d, want 4", len(loaded.Habits))
	}
	if loaded.Habits[2].ID != "water" || loaded.Habits[2].Cooldown != "15m" {
		t.Errorf("water habit = %+v", loaded.Habits[2])
	}
	if loaded.Scheduler.Retention != "2160h" {
		t.Errorf("retention = %q", loaded.Scheduler.Retention)
	}
}

func TestWriteConfig(t *testing.T) {
	var out bytes.Buffer
	if err := writeConfig(&out, nil); err == nil {
		t.Error("nil config should fail")
	}

	c := &config.Config{Server: config.ServerConfig{Port: 9000}}
	if err := writeConfig(&out, c); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not yaml: %v", err)
	}
	if _, ok := decoded["server"]; !ok {
		t.Errorf("missing server section: %v", decoded)
	}
}
