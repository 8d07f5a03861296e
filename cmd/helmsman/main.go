package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/helmsman/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	root.AddCommand(
		createRunCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createStartCommand(c, globalFlags),
		createStopCommand(c, globalFlags),
		createStartAllCommand(c, globalFlags),
		createStopAllCommand(c, globalFlags),
		createLogsCommand(c, globalFlags),
		createHistoryCommand(c, globalFlags),
		createPortsCommand(c, globalFlags),
		createResolveCommand(c, globalFlags),
		createInitCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by local and remote subcommands.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "helmsman",
		Short: "Local service fleet orchestrator",
		Long: `Helmsman starts, health-checks and stops a fleet of local services
declared in a TOML file, and cleans up after processes it no longer owns.

Examples:
  helmsman run --config=helmsman.toml     # start the fleet and serve the API
  helmsman status                         # query a running orchestrator
  helmsman start llm
  helmsman ports owners 8000 8001`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "helmsman.toml", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "orchestrator API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "request timeout")
	return root
}

func createRunCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the fleet and serve the API until interrupted",
		Long: `Run loads the configuration, kills leftovers of a previous run, starts
every service wave by wave and serves the HTTP API. SIGINT or SIGTERM stops
the fleet and tears down every child process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return c.Run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "API listen address (overrides api_addr)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path")
	cmd.Flags().BoolVar(&flags.NoStart, "no-start", false, "serve the API without starting the fleet")
	return cmd
}

func createStatusCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [service]",
		Short: "Show service status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.ID = args[0]
			}
			return c.Status(cmd.Context(), globalFlags.remote(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStartCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>",
		Short: "Start one service and wait until it is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), globalFlags.remote(), args[0])
		},
	}
}

func createStopCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "Stop one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), globalFlags.remote(), args[0])
		},
	}
}

func createStartAllCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start the fleet in priority waves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartAll(cmd.Context(), globalFlags.remote())
		},
	}
}

func createStopAllCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop the fleet in reverse order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context(), globalFlags.remote())
		},
	}
}

func createLogsCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print buffered output of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ID = args[0]
			return c.Logs(cmd.Context(), globalFlags.remote(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 100, "number of lines")
	return cmd
}

func createHistoryCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history <service>",
		Short: "Print recorded status transitions of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ID = args[0]
			return c.History(cmd.Context(), globalFlags.remote(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "number of transitions")
	return cmd
}

func createPortsCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and reclaim service ports",
	}

	owners := &cobra.Command{
		Use:   "owners <port>...",
		Short: "List processes holding ports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := parsePortArgs(args)
			if err != nil {
				return err
			}
			return c.PortOwners(cmd.Context(), globalFlags.remote(), ps)
		},
	}

	clearFlags := &PortsClearFlags{}
	clearCmd := &cobra.Command{
		Use:   "clear <port>...",
		Short: "Kill whatever holds the ports, without a running orchestrator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := parsePortArgs(args)
			if err != nil {
				return err
			}
			clearFlags.Ports = ps
			return c.ClearPorts(cmd.Context(), *clearFlags)
		},
	}
	clearCmd.Flags().DurationVar(&clearFlags.Timeout, "timeout", 5*time.Second, "give up after this long")
	clearCmd.Flags().DurationVar(&clearFlags.Grace, "grace", 2*time.Second, "wait before force-killing a tree")

	restart := &cobra.Command{
		Use:   "restart <port>...",
		Short: "Evict foreign owners and restart the services on those ports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := parsePortArgs(args)
			if err != nil {
				return err
			}
			return c.RestartPorts(cmd.Context(), globalFlags.remote(), ps)
		},
	}

	cmd.AddCommand(owners, clearCmd, restart)
	return cmd
}

func createResolveCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [service]...",
		Short: "Show which runtime each service would be launched with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Resolve(cmd.Context(), ResolveFlags{ConfigPath: globalFlags.ConfigPath, IDs: args})
		},
	}
}

func createInitCommand(c command) *cobra.Command {
	flags := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init <type> <id>",
		Short: "Print or append a starter [[services]] entry",
		Long: `Init generates a [[services]] entry for one of the supported types:
python (model), binary (gateway), frontend (web) and managed.

Examples:
  helmsman init python llm --port=8000
  helmsman init managed worker --owner=llm >> helmsman.toml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Type, flags.ID = args[0], args[1]
			return c.Init(*flags)
		},
	}
	cmd.Flags().IntVar(&flags.Port, "port", 0, "service port (type default when 0)")
	cmd.Flags().StringVar(&flags.Owner, "owner", "", "owner service id for managed entries")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "append to this file instead of printing")
	return cmd
}
