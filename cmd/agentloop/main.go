// Package main provides the agentloop CLI: an interactive chat client over
// the agent routine, plus thread, tool and configuration management.
//
// # Basic Usage
//
// Create the tables, then chat:
//
//	agentloop migrate --config agentloop.yaml
//	agentloop chat --user alice --project demo
//
// Approve or reject a pending tool call from another shell:
//
//	agentloop calls list <thread-id>
//	agentloop calls accept <thread-id> <call-id> --args '{"city":"Oslo"}'
//
// # Environment Variables
//
//   - AGENTLOOP_CONFIG: path to the configuration file (default: agentloop.yaml)
//   - AGENTLOOP_USER: user ID for chat and thread commands (default: $USER)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "agentloop.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	debug      bool
}

func buildRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "agentloop",
		Short: "Tool-using LLM agent with human-in-the-loop approvals",
		Long: `agentloop runs a tool-calling agent over persistent threads.

Tools that require approval pause the turn until the call is accepted
(optionally with revised arguments) or rejected. Token spend is reserved
before each turn and settled from observed usage.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file (or set AGENTLOOP_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(
		buildChatCmd(flags),
		buildThreadsCmd(flags),
		buildCallsCmd(flags),
		buildToolsCmd(flags),
		buildMigrateCmd(flags),
		buildValidateCmd(flags),
		buildConfigCmd(flags),
	)
	return rootCmd
}

func (f *rootFlags) resolveConfigPath() string {
	if p := strings.TrimSpace(f.configPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("AGENTLOOP_CONFIG")); p != "" {
		return p
	}
	return defaultConfigName
}

func defaultUser() string {
	if u := strings.TrimSpace(os.Getenv("AGENTLOOP_USER")); u != "" {
		return u
	}
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "local"
}
