package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRecoverCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Roll back transactions interrupted by a crash",
		Long: `Replay the journal and restore the original content of every file
touched by a transaction that never committed or aborted. Transactions
still holding their locks belong to a running process and are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			recovered, err := e.engine.Recover(ctx)
			if err != nil {
				return exitWith(ExitInternal, err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(recovered); err != nil {
					return exitWith(ExitInternal, err)
				}
			}

			failed := 0
			for _, r := range recovered {
				switch {
				case r.Skipped:
					if !asJSON {
						fmt.Fprintf(out, "skipped   %s  %s\n", r.TxID, r.Error)
					}
				case r.Error != "":
					failed++
					if !asJSON {
						fmt.Fprintf(out, "failed    %s  %s\n", r.TxID, r.Error)
					}
				default:
					if !asJSON {
						fmt.Fprintf(out, "restored  %s  from %s, %d file(s)\n", r.TxID, r.State, len(r.Restored))
					}
				}
			}
			if !asJSON && len(recovered) == 0 {
				fmt.Fprintln(out, "nothing to recover")
			}

			if failed > 0 {
				return exitWith(ExitInternal, fmt.Errorf("%d transaction(s) could not be recovered; originals are kept under %s/tx", failed, e.cfg.StateDir))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
