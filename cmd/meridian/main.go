// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Meridian MCP server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianmcp/meridian/cmd/meridian/app"
	"github.com/meridianmcp/meridian/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorw("command failed", "error", err)
		os.Exit(1)
	}
}
