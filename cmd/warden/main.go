// Package main provides the warden CLI: a capability-gated agent
// runtime. No tool side effect happens without an explicit capability
// grant, and the full decision trail lands in an append-only event log.
//
// Basic usage:
//
//	warden chat "summarize the notes in /workspace"
//	warden chat -i                # interactive session
//	warden tools                  # list connected tool servers
//	warden events list            # recent sessions in the audit log
//	warden events show <run-id>   # full event trail for one run
//
// Configuration comes from a YAML file (--config). API keys can be
// supplied via ANTHROPIC_API_KEY / OPENAI_API_KEY, and secret values
// for tool servers via WARDEN_SECRET_* variables.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - capability-gated agent runtime",
		Long: `Warden runs LLM agents behind a capability policy: filesystem,
network, exec, and secret access all require an explicit grant, and
every decision is recorded in an append-only event log.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildEventsCmd(),
		buildToolsCmd(),
		buildSecretsCmd(),
	)
	return rootCmd
}
