// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command tillerd starts the Tiller goal engine server.
//
// Tiller turns loosely specified goals into executable task plans:
//   - Goal decomposition with dependency-ordered steps
//   - Embedded persistence (goals, plans, executions, audit trail)
//   - Tool registry with permissions, confirmation gates, and rollback
//   - Live execution events over WebSocket
//
// Usage:
//
//	tillerd serve
//	tillerd serve --config config.yaml
//	TILLER_PORT=9090 tillerd serve
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8480/health
//
//	# Create a goal
//	curl -X POST http://localhost:8480/v1/goals \
//	  -H "Content-Type: application/json" \
//	  -d '{"objective": "Plan a cozy movie night for Friday"}'
//
//	# Plan and execute it
//	curl -X POST http://localhost:8480/v1/goals/<id>/plan
//	curl -X POST http://localhost:8480/v1/goals/<id>/execute
package main

import (
	"log"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tillerd",
	Short: "Tiller adaptive goal engine",
}

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
