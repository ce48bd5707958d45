package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/yairfalse/tollgate/telemetry"
)

var version = "0.1.0"

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath  string
	stateDir    string
	logLevel    string
	metricsFile string

	stdin io.Reader
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tollgate",
		Short: "Policy gate and transactional patcher for infrastructure code",
		Long: `Tollgate - policy gate for infrastructure changes

Tollgate evaluates proposed changes against a pinned policy bundle and
returns one verdict per change: allow, warn, block or hard stop. Fixes are
applied as a single transaction over every touched file; a failure part
way through restores all of them.

Exit codes:
  0  allow         40  applied
  10 warn          41  rejected, nothing written
  20 block         42  rolled back
  30 hard stop      2  usage or config error`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(`Tollgate {{.Version}}
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to tollgate.yaml")
	flags.StringVar(&opts.stateDir, "state-dir", "", "Directory for backups, journal and baselines (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write metrics in node-exporter textfile format on exit")

	rootCmd.AddCommand(
		newEvaluateCmd(opts),
		newApplyCmd(opts),
		newDriftCmd(opts),
		newBaselineCmd(opts),
		newRecoverCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code
func Execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	telemetry.Output = stderr

	opts := &globalOptions{stdin: stdin}
	rootCmd := newRootCmd(opts)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return ExitAllow
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}

	// anything cobra itself rejected: bad flags, unknown commands, arg counts
	fmt.Fprintf(stderr, "Error: %v\n", err)
	fmt.Fprintf(stderr, "Run 'tollgate --help' for usage.\n")
	return ExitUsage
}

// runInterruptible runs fn until it returns or SIGINT/SIGTERM arrives.
// A signal cancels fn's context and waits for it to unwind, so an apply in
// progress gets to roll back before the process exits.
func runInterruptible(ctx context.Context, stderr io.Writer, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result error
	var g run.Group
	g.Add(func() error {
		result = fn(ctx)
		return result
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sig *run.SignalError
	if errors.As(err, &sig) {
		fmt.Fprintf(stderr, "received %s, stopping\n", sig.Signal)
	}
	return result
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tollgate %s\n", version)
			return err
		},
	}
}
