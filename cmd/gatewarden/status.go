// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/config"
)

// NodeStatus holds the probed state of a gatewarden node.
type NodeStatus struct {
	Addr  string `json:"addr"`
	Live  bool   `json:"live"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the health of the local gatewarden node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	conf, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	status := probeNode(conf.Node.MetricsAddr)

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Printf("node:  %s\n", status.Addr)
	cmd.Printf("live:  %t\n", status.Live)
	cmd.Printf("ready: %t\n", status.Ready)
	if status.Error != "" {
		cmd.Printf("error: %s\n", status.Error)
	}
	return nil
}

// probeNode hits the node's liveness and readiness endpoints.
func probeNode(metricsAddr string) NodeStatus {
	status := NodeStatus{Addr: metricsAddr}
	client := &http.Client{Timeout: 2 * time.Second}

	status.Live, status.Error = probe(client, "http://"+hostAddr(metricsAddr)+"/healthz/liveness")
	if status.Live {
		status.Ready, _ = probe(client, "http://"+hostAddr(metricsAddr)+"/healthz/readiness")
	}
	return status
}

func probe(client *http.Client, url string) (bool, string) {
	resp, err := client.Get(url)
	if err != nil {
		return false, err.Error()
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		_ = resp.Body.Close()                 //nolint:errcheck // probe teardown
	}()
	return resp.StatusCode == http.StatusOK, ""
}

// hostAddr normalizes a listen address like ":9090" to a dialable host:port.
func hostAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
