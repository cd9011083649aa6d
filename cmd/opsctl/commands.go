// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	alertSeverity  string
	acknowledgedBy string
	toggleInterval int

	rootCmd = &cobra.Command{
		Use:   "opsctl",
		Short: "A cli for the AleutianOps monitoring service",
		Long: `opsctl talks to a running opscore service and exposes its
operational state: health, alerts, metrics, and the optimization loop.`,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the service's operational summary",
		RunE:  runStatus,
	}

	alertsCmd = &cobra.Command{
		Use:   "alerts",
		Short: "List active and historical alerts",
		RunE:  runAlerts,
	}

	alertsAckCmd = &cobra.Command{
		Use:   "ack [alert-name]",
		Short: "Acknowledge an active alert",
		Args:  cobra.ExactArgs(1),
		RunE:  runAlertsAck,
	}

	optimizeCmd = &cobra.Command{
		Use:   "optimize",
		Short: "Inspect and drive the optimization loop",
	}

	optimizeAnalyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Run one benchmark pass over the registered optimizers",
		RunE:  runOptimizeAnalyze,
	}

	optimizeRunCmd = &cobra.Command{
		Use:   "run [optimizer...]",
		Short: "Optimize against the last benchmark (all flagged, or the named ones)",
		RunE:  runOptimizeRun,
	}

	optimizeToggleCmd = &cobra.Command{
		Use:   "toggle [on|off]",
		Short: "Enable or disable automatic optimization",
		Args:  cobra.ExactArgs(1),
		RunE:  runOptimizeToggle,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("OPSCORE_URL", "http://localhost:12220"), "opscore base URL")

	alertsCmd.Flags().StringVar(&alertSeverity, "severity", "",
		"only show alerts of this severity (info|warning|error|critical)")
	alertsAckCmd.Flags().StringVar(&acknowledgedBy, "by", "", "who is acknowledging (required)")
	_ = alertsAckCmd.MarkFlagRequired("by")
	optimizeToggleCmd.Flags().IntVar(&toggleInterval, "interval", 0,
		"automatic analysis interval in seconds (0 uses the server default)")

	alertsCmd.AddCommand(alertsAckCmd)
	optimizeCmd.AddCommand(optimizeAnalyzeCmd, optimizeRunCmd, optimizeToggleCmd)
	rootCmd.AddCommand(statusCmd, alertsCmd, optimizeCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *apiClient { return newAPIClient(serverURL) }

// printJSON pretty-prints an API response.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	var out map[string]any
	if err := client().get("/v1/monitoring/status", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runAlerts(_ *cobra.Command, _ []string) error {
	path := "/v1/monitoring/alerts"
	if alertSeverity != "" {
		path += "?severity=" + alertSeverity
	}
	var out map[string]any
	if err := client().get(path, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runAlertsAck(_ *cobra.Command, args []string) error {
	body := map[string]string{"acknowledgedBy": acknowledgedBy}
	var out map[string]any
	if err := client().post("/v1/monitoring/alerts/"+args[0]+"/acknowledge", body, &out); err != nil {
		return err
	}
	fmt.Printf("acknowledged %s\n", args[0])
	return nil
}

func runOptimizeAnalyze(_ *cobra.Command, _ []string) error {
	var out map[string]any
	if err := client().post("/v1/monitoring/optimization/analyze", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runOptimizeRun(_ *cobra.Command, args []string) error {
	body := map[string]any{}
	if len(args) > 0 {
		body["optimizers"] = args
	}
	var out map[string]any
	if err := client().post("/v1/monitoring/optimization/optimize", body, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runOptimizeToggle(_ *cobra.Command, args []string) error {
	var enabled bool
	switch args[0] {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("argument must be on or off, got %q", args[0])
	}
	body := map[string]any{"enabled": enabled, "intervalSeconds": toggleInterval}
	if err := client().post("/v1/monitoring/optimization/toggle", body, nil); err != nil {
		return err
	}
	fmt.Printf("automatic optimization: %s\n", args[0])
	return nil
}
