package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{out: out, err: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createLogsCommand(c, globalFlags),
		createCheckCommand(c, globalFlags),
		createVersionCommand(out),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svcwatch",
		Short: "Service health monitor",
		Long: `Svcwatch watches pm2-managed services: supervisor state, HTTP health
probes and host metrics, pushed to dashboards every few seconds.

Examples:
  svcwatch serve config.toml        # Start the monitor daemon
  svcwatch status                   # Table of all services
  svcwatch logs backend-service --type=error --lines=50
  svcwatch check --strict           # One local check, non-zero exit when unhealthy`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the monitor daemon",
		Long: `Start the broadcast loop and the HTTP API (REST, websocket, SSE log follow).
Without a config file the built-in service catalog and defaults are used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ServeFlags{ConfigPath: globalFlags.ConfigPath}
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return c.Serve(f)
		},
	}
}

func createStatusCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return c.Status(*f)
		},
	}
	cmd.Flags().StringVar(&f.Service, "service", "", "only show this service id")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func createLogsCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print the tail of a service log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			f.Service = args[0]
			return c.Logs(*f)
		},
	}
	cmd.Flags().IntVar(&f.Lines, "lines", 0, "number of lines (0 uses the server default)")
	cmd.Flags().StringVar(&f.Type, "type", "output", "log type: output or error")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	addAPIFlags(cmd, &f.APIUrl, &f.APITimeout)
	return cmd
}

func createCheckCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one local check without a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return c.Check(*f)
		},
	}
	cmd.Flags().StringVar(&f.Service, "service", "", "only show this service id")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	cmd.Flags().BoolVar(&f.Strict, "strict", false, "exit non-zero when any service is not healthy")
	return cmd
}

func createVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(out, "svcwatch %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "daemon URL (default from --config, else "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}
