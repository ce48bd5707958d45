package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tollgate/storage"
	"github.com/yairfalse/tollgate/types"
)

func newBaselineCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Record and inspect file baselines",
		Long: `A baseline is the content hash a file had when a plan was made.
Apply refuses to patch a file that no longer matches it.`,
	}
	cmd.AddCommand(
		newBaselineRecordCmd(opts),
		newBaselineShowCmd(opts),
		newBaselineCompactCmd(opts),
	)
	return cmd
}

func newBaselineRecordCmd(opts *globalOptions) *cobra.Command {
	var hash string

	cmd := &cobra.Command{
		Use:   "record FILE...",
		Short: "Record the current content of files as their baseline",
		Example: `  tollgate baseline record main.tf network.tf
  tollgate baseline record main.tf --hash sha256:9f86d0...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash != "" && len(args) != 1 {
				return usageError(errors.New("--hash records exactly one file"))
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			for _, path := range args {
				h := hash
				if h == "" {
					data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
					if err != nil {
						return exitWith(ExitInternal, fmt.Errorf("failed to read %s: %w", path, err))
					}
					h = types.ContentHash(data)
				}
				b, err := e.store.Record(path, h, "manual")
				if err != nil {
					return exitWith(ExitInternal, err)
				}
				printBaseline(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "Record this hash instead of hashing the file")
	return cmd
}

func newBaselineShowCmd(opts *globalOptions) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "show [FILE...]",
		Short: "Show recorded baselines; every tracked file when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, b := range e.store.List() {
					printBaseline(out, b)
				}
				return nil
			}

			for _, path := range args {
				if history {
					all, err := e.store.History(path)
					if err != nil {
						return exitWith(ExitInternal, err)
					}
					for _, b := range all {
						printBaseline(out, b)
					}
					continue
				}
				b, err := e.store.Get(path)
				if errors.Is(err, storage.ErrNotFound) {
					return exitWith(ExitRejected, err)
				}
				if err != nil {
					return exitWith(ExitInternal, err)
				}
				printBaseline(out, b)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Show every retained revision")
	return cmd
}

func newBaselineCompactCmd(opts *globalOptions) *cobra.Command {
	var keep int64

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop old baseline revisions, keeping each file's latest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keep < 0 {
				return usageError(errors.New("--keep must not be negative"))
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			deleted, err := e.store.Compact(keep)
			if err != nil {
				return exitWith(ExitInternal, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d revision(s), now at revision %d\n", deleted, e.store.CurrentRevision())
			return nil
		},
	}
	cmd.Flags().Int64Var(&keep, "keep", 100, "Number of newest revisions to keep")
	return cmd
}

func printBaseline(w io.Writer, b storage.Baseline) {
	fmt.Fprintf(w, "%s  sha256:%s  rev=%d  %s  %s\n",
		b.Path, b.Hash, b.Revision, b.RecordedAt.Format(time.RFC3339), b.Source)
}
