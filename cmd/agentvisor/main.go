package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/agentvisor/internal/supervisor"
	"github.com/loykin/agentvisor/pkg/client"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	Workspace  string
	ConfigPath string
}

func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{out: stdout, errOut: stderr}

	root := createRootCommand(globalFlags)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		createRunCommand(cmd, globalFlags),
		createLifecycleCommand("start", "Start the worker", cmd.Start),
		createLifecycleCommand("stop", "Stop the worker", cmd.Stop),
		createLifecycleCommand("restart", "Restart the worker", cmd.Restart),
		createStatusCommand(cmd),
		createOutputCommand(cmd),
		createMemoryCommand(cmd, globalFlags),
		createWorkerCommand(cmd, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "agentvisor",
		Short:         "Background agent supervisor",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Agentvisor launches one background worker for a workspace, checks its
health periodically, restarts it a bounded number of times on failure and
keeps a small persisted memory across restarts.

Examples:
  agentvisor run --workspace=. --start   # Supervise in the foreground
  agentvisor status                      # Query the running supervisor
  agentvisor restart --api-url=http://127.0.0.1:3101/api
  agentvisor memory --workspace=.        # Print the memory snapshot`,
	}

	root.PersistentFlags().StringVar(&flags.Workspace, "workspace", ".", "workspace directory")
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <workspace>/.agentvisor/config.toml)")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		Long: `Run the supervisor and its control API until SIGINT or SIGTERM.
The worker is stopped before exit.

Examples:
  agentvisor run
  agentvisor run --workspace=/src/project --start
  agentvisor run --addr=127.0.0.1:0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			runFlags.Workspace = globalFlags.Workspace
			runFlags.ConfigPath = globalFlags.ConfigPath
			return c.Run(ctx, *runFlags)
		},
	}
	cmd.Flags().StringVar(&runFlags.Addr, "addr", "", "control API listen address (overrides control.addr)")
	cmd.Flags().BoolVar(&runFlags.Start, "start", false, "start the worker immediately")
	cmd.Flags().BoolVar(&runFlags.Color, "color", false, "colored text log output")
	return cmd
}

func addControlFlags(cmd *cobra.Command, f *ControlFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "supervisor control API URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", time.Minute, "request timeout")
}

// createLifecycleCommand creates start, stop and restart, which only differ
// in the control API call they make.
func createLifecycleCommand(use, short string, run func(context.Context, ControlFlags) error) *cobra.Command {
	flags := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + ` through the control API of a running supervisor.

Examples:
  agentvisor ` + use + `
  agentvisor ` + use + ` --api-url=http://127.0.0.1:3101/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *flags)
		},
	}
	addControlFlags(cmd, flags)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command) *cobra.Command {
	flags := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	addControlFlags(cmd, flags)
	return cmd
}

// createOutputCommand creates the output subcommand
func createOutputCommand(c *command) *cobra.Command {
	flags := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "output",
		Short: "Show the buffered worker stdout and stderr",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Output(cmd.Context(), *flags)
		},
	}
	addControlFlags(cmd, flags)
	return cmd
}

// createMemoryCommand creates the memory subcommand
func createMemoryCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	memFlags := &MemoryFlags{}
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Print the persisted memory",
		Long: `Print the memory snapshot of a workspace. With --api-url the running
supervisor is queried instead, which includes entries not yet persisted.

Examples:
  agentvisor memory --workspace=.
  agentvisor memory --id=sync:remote
  agentvisor memory --api-url=http://127.0.0.1:3101/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			memFlags.Workspace = globalFlags.Workspace
			return c.Memory(cmd.Context(), *memFlags)
		},
	}
	cmd.Flags().StringVar(&memFlags.ID, "id", "", "print a single entry")
	cmd.Flags().StringVar(&memFlags.APIUrl, "api-url", "", "query a running supervisor instead of the snapshot file")
	cmd.Flags().DurationVar(&memFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createWorkerCommand creates the worker entry point launched by the supervisor.
func createWorkerCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	workerFlags := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the built-in worker (launched by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			workerFlags.Workspace = globalFlags.Workspace
			return c.Worker(ctx, *workerFlags)
		},
	}
	cmd.Flags().IntVar(&workerFlags.Port, "port", 3001, "listen port")
	cmd.Flags().StringVar(&workerFlags.LogLevel, "log-level", "info", "log level")
	cmd.Flags().IntVar(&workerFlags.Protocol, "protocol", supervisor.WorkerProtocol, "worker protocol version")
	return cmd
}
