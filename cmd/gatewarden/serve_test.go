package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestServeCmd_Properties(t *testing.T) {
	cmd := NewServeCmd()

	if cmd.Use != "serve" {
		t.Errorf("Use = %q, want %q", cmd.Use, "serve")
	}

	expectedFlags := []string{"auto-migrate", "node.id", "node.listen_addr", "store.driver", "log.format"}
	for _, name := range expectedFlags {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("serve command missing flag %q", name)
		}
	}
}

func TestServeCmd_Help(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"serve", "--help"})

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	output := buf.String()
	for _, phrase := range []string{"gate", "--auto-migrate", "--node.id"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("Help missing phrase %q", phrase)
		}
	}
}

func TestServeCmd_InvalidConfigFails(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"serve", "--config", "/nonexistent/gatewarden.yaml"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))

	if err := cmd.Execute(); err == nil {
		t.Error("serve with a missing config file should fail")
	}
}
