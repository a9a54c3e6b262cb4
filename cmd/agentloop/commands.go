package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/agentloop/internal/config"
	"github.com/haasonsaas/agentloop/internal/threads"
)

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd(flags *rootFlags) *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in a thread",
		Long: `Start an interactive chat. Each line you type is one turn; assistant text
is streamed as it arrives. When the agent calls a tool that needs approval
you are asked to accept, edit the arguments, or reject it.

When stdin is not a terminal, pending calls are listed and left for
"agentloop calls accept|reject".`,
		Example: `  # New thread
  agentloop chat --project demo --title "Trip planning"

  # Resume a thread
  agentloop chat --thread 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				a.ServeMetrics()
				opts.Interactive = term.IsTerminal(int(os.Stdin.Fd()))
				return runChat(ctx, a.service, opts, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", defaultUser(), "User ID (or set AGENTLOOP_USER)")
	cmd.Flags().StringVarP(&opts.ThreadID, "thread", "t", "", "Resume an existing thread")
	cmd.Flags().StringVarP(&opts.ProjectID, "project", "p", "", "Project ID for a new thread")
	cmd.Flags().StringVar(&opts.VlabID, "vlab", "", "Virtual lab ID for a new thread")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Title for a new thread")
	cmd.Flags().StringVar(&opts.AccessToken, "access-token", os.Getenv("AGENTLOOP_ACCESS_TOKEN"), "Token passed to tools that call upstream APIs")
	return cmd
}

// =============================================================================
// Thread Commands
// =============================================================================

func buildThreadsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List and inspect threads",
	}

	var userID string
	var listOpts threads.ListOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the user's threads, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runThreadsList(ctx, a.service, userID, listOpts, cmd.OutOrStdout())
			})
		},
	}
	listCmd.Flags().IntVarP(&listOpts.Limit, "limit", "n", 20, "Maximum threads to show")
	listCmd.Flags().IntVar(&listOpts.Offset, "offset", 0, "Threads to skip")
	listCmd.Flags().StringVarP(&listOpts.ProjectID, "project", "p", "", "Only threads of this project")

	showCmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a thread's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runThreadsShow(ctx, a.service, userID, args[0], cmd.OutOrStdout())
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser(), "User ID (or set AGENTLOOP_USER)")
	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

// =============================================================================
// Tool Call Commands
// =============================================================================

func buildCallsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Approve or reject tool calls awaiting validation",
	}

	var userID, accessToken, revised string
	listCmd := &cobra.Command{
		Use:   "list <thread-id>",
		Short: "List pending tool calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runCallsList(ctx, a.service, userID, args[0], cmd.OutOrStdout())
			})
		},
	}
	acceptCmd := &cobra.Command{
		Use:   "accept <thread-id> <call-id>",
		Short: "Accept a pending call, optionally with revised arguments, and run it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runCallsAccept(ctx, a.service, callTarget{UserID: userID, ThreadID: args[0], CallID: args[1], AccessToken: accessToken}, revised, cmd.OutOrStdout())
			})
		},
	}
	acceptCmd.Flags().StringVar(&revised, "args", "", "Replacement arguments as a JSON object")
	acceptCmd.Flags().StringVar(&accessToken, "access-token", os.Getenv("AGENTLOOP_ACCESS_TOKEN"), "Token passed to the tool")

	rejectCmd := &cobra.Command{
		Use:   "reject <thread-id> <call-id>",
		Short: "Reject a pending call without running it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runCallsReject(ctx, a.service, callTarget{UserID: userID, ThreadID: args[0], CallID: args[1]}, cmd.OutOrStdout())
			})
		},
	}

	cmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser(), "User ID (or set AGENTLOOP_USER)")
	cmd.AddCommand(listCmd, acceptCmd, rejectCmd)
	return cmd
}

// =============================================================================
// Tools Command
// =============================================================================

func buildToolsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the configured tools",
	}
	var checkHealth bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tools with their approval mode and liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runToolsList(ctx, a.service.Tools(), checkHealth, a.cfg.Agent.HTTPTimeout, cmd.OutOrStdout())
			})
		},
	}
	listCmd.Flags().BoolVar(&checkHealth, "health", true, "Check each tool's upstream health")
	cmd.AddCommand(listCmd)
	return cmd
}

// =============================================================================
// Migrate, Validate and Config Commands
// =============================================================================

func buildMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the thread, message and usage tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func buildValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(flags.resolveConfigPath(), cmd.OutOrStdout())
		},
	}
}

func buildConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the configuration schema or defaults",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := config.JSONSchema()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			},
		},
		&cobra.Command{
			Use:   "defaults",
			Short: "Print the default configuration as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigDefaults(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

// withApp loads the configuration, builds the app, runs fn and closes it.
func withApp(ctx context.Context, flags *rootFlags, fn func(context.Context, *app) error) error {
	cfg, err := config.Load(flags.resolveConfigPath())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{Debug: flags.debug})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("shutdown failed", "error", cerr)
		}
	}()
	return fn(ctx, a)
}
