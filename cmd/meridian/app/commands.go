// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the meridian command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "meridian",
	DisableAutoGenTag: true,
	Short:             "Meridian - MCP server with an embedded OAuth 2.1 authorization server",
	Long: `Meridian is an MCP (Model Context Protocol) server framework. It provides:

- An ordered key-value store with memory, SQLite and Redis backends
- An embedded OAuth 2.1 authorization server with PKCE and dynamic client registration
- Resumable event streams with chunking and compression
- Persisted, restorable transport sessions
- Schema-validated tool and workflow registries`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorw("failed to display help", "error", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize(viper.GetBool("debug"))
	},
}

// NewRootCmd creates a new root command for the meridian CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("failed to bind debug flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			cmd.Printf("Meridian %s\n", info.Version)
			cmd.Printf("  commit:     %s\n", info.Commit)
			cmd.Printf("  built:      %s\n", info.BuildDate)
			cmd.Printf("  go version: %s\n", info.GoVersion)
			cmd.Printf("  platform:   %s\n", info.Platform)
		},
	}
}
