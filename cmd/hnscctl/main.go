// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command hnscctl is the operator CLI for an hnscd deployment.
//
// It works directly against the deployment's storage and configuration, not
// the HTTP API: ingesting documents into the knowledge base, verifying the
// audit hash chains, and inspecting or switching policy versions.
//
// # Usage
//
//	hnscctl --config hnscd.yaml ingest docs/runbooks
//	hnscctl --config hnscd.yaml purge docs/runbooks/cache.md
//	hnscctl --config hnscd.yaml audit verify
//	hnscctl --config hnscd.yaml policy list
//	hnscctl --config hnscd.yaml policy diff 1.1.0
//	hnscctl --config hnscd.yaml policy activate 1.1.0
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hnsc/services/hnsc/config"
)

var (
	configPath string
	noColor    bool

	rootCmd = &cobra.Command{
		Use:           "hnscctl",
		Short:         "Operator tooling for the HNSC control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if noColor {
				disableStyles()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("HNSC_CONFIG"),
		"hnscd configuration file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"disable styled output")

	rootCmd.AddCommand(ingestCmd, purgeCmd, auditCmd, policyCmd)
}

// loadConfig resolves the shared --config flag; with no file set the
// defaults apply, same as hnscd.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}
