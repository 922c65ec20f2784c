package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateCmd_Properties(t *testing.T) {
	cmd := NewMigrateCmd()

	if cmd.Use != "migrate" {
		t.Errorf("Use = %q, want %q", cmd.Use, "migrate")
	}

	expected := []string{"up", "down", "version", "force"}
	for _, name := range expected {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing migrate subcommand %q", name)
		}
	}
}

func TestMigrateCmd_ForceRequiresArg(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"migrate", "force"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))

	if err := cmd.Execute(); err == nil {
		t.Error("force without a version argument should fail")
	}
}

func TestMigrateCmd_ForceRejectsBadVersion(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"migrate", "force", "five"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))

	err := cmd.Execute()
	if err == nil {
		t.Fatal("force with a negative version should fail")
	}
	if !strings.Contains(err.Error(), "non-negative") {
		t.Errorf("error should mention non-negative, got %v", err)
	}
}

func TestMigrateCmd_RequiresPostgresDriver(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "gatewarden.yaml")
	if err := os.WriteFile(cfgPath, []byte("store:\n  driver: memory\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"migrate", "up", "--config", cfgPath})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))

	err := cmd.Execute()
	if err == nil {
		t.Fatal("migrate up with the memory driver should fail")
	}
	if !strings.Contains(err.Error(), "postgres") {
		t.Errorf("error should mention postgres, got %v", err)
	}
}
