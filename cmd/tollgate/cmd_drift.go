package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tollgate/drift"
	"github.com/yairfalse/tollgate/storage"
)

func newDriftCmd(opts *globalOptions) *cobra.Command {
	var (
		hash   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "drift FILE...",
		Short: "Check files against their recorded baselines",
		Long: `Hash each file and compare it to its recorded baseline. Exits 41 when
any file drifted, since apply would refuse it.`,
		Example: `  tollgate drift main.tf network.tf
  tollgate drift main.tf --hash sha256:9f86d0...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash != "" && len(args) != 1 {
				return usageError(errors.New("--hash checks exactly one file"))
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			results := make([]drift.Result, 0, len(args))
			drifted := false
			for _, path := range args {
				recorded := hash
				if recorded == "" {
					b, err := e.store.Get(path)
					if errors.Is(err, storage.ErrNotFound) {
						return exitWith(ExitRejected, err)
					}
					if err != nil {
						return exitWith(ExitInternal, err)
					}
					recorded = b.Hash
				}

				res, err := drift.CheckDrift(path, recorded)
				if err != nil {
					return exitWith(ExitInternal, err)
				}
				results = append(results, res)
				drifted = drifted || res.Drifted()
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return exitWith(ExitInternal, err)
				}
			} else {
				for _, r := range results {
					fmt.Fprintf(out, "%-8s %s\n", r.Status, r.Message())
				}
			}

			if drifted {
				return exitWith(ExitRejected, nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "Compare against this hash instead of the recorded baseline")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
