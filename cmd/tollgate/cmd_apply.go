package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/render"
)

func newApplyCmd(opts *globalOptions) *cobra.Command {
	var (
		bundleOpts bundleOptions
		outOpts    outputOptions
		planPath   string
		txID       string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Evaluate a plan and apply its patches as one transaction",
		Long: `Evaluate the plan's decisions, then apply its patch sets as a single
transaction if no verdict blocks. Every target must still match its
recorded baseline; a drifted file is refused unless --force is given,
and a forced override is journaled.

Either every file is patched or none is. SIGINT while applying rolls
back whatever was already written.`,
		Example: `  tollgate apply --bundle policy.yaml --plan fix.json
  tollgate apply --bundle policy.yaml --plan fix.json --force --tier pro`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tier, err := outOpts.parse()
			if err != nil {
				return err
			}
			var plan planFile
			if err := readDocument(planPath, opts.stdin, &plan); err != nil {
				return usageError(err)
			}
			if len(plan.PatchSets) == 0 {
				return usageError(errors.New("plan has no patch_sets"))
			}
			if txID != "" {
				plan.TxID = txID
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			payload, pin, err := bundleOpts.load(ctx, e)
			if err != nil {
				return err
			}

			return runInterruptible(ctx, cmd.ErrOrStderr(), func(ctx context.Context) error {
				return applyPlan(ctx, cmd, e, tier, &outOpts, plan, payload, pin, force)
			})
		},
	}

	cmd.Flags().StringVar(&bundleOpts.location, "bundle", "", "Policy bundle path or s3:// URI")
	cmd.Flags().StringVar(&bundleOpts.sha256, "bundle-sha256", "", "Expected bundle digest (default: <bundle>.sha256 sidecar)")
	cmd.Flags().StringVar(&planPath, "plan", "", "Plan file with decisions and patch_sets, or - for stdin")
	cmd.Flags().StringVar(&txID, "tx-id", "", "Transaction ID (default: from plan, else generated)")
	cmd.Flags().BoolVar(&force, "force", false, "Apply even if a target drifted from its baseline")
	outOpts.register(cmd)
	return cmd
}

func applyPlan(ctx context.Context, cmd *cobra.Command, e *env, tier render.Tier, out *outputOptions,
	plan planFile, payload []byte, pin string, force bool) error {
	verdicts, err := e.orch.Evaluate(ctx, orchestrator.EvalRequest{
		Bundle:       payload,
		BundleSHA256: pin,
		Decisions:    plan.Decisions,
	})
	if err != nil {
		return exitWith(ExitInternal, err)
	}

	// nothing is written when a verdict forbids it
	if code := verdictCode(verdicts); code >= ExitBlock {
		if err := out.print(cmd.OutOrStdout(), tier, verdicts, nil); err != nil {
			return exitWith(ExitInternal, err)
		}
		return exitWith(code, nil)
	}

	fix, fixErr := e.orch.Fix(ctx, orchestrator.FixRequest{
		TxID:      plan.TxID,
		Verdicts:  verdicts,
		PatchSets: plan.PatchSets,
		Force:     force,
	})

	if err := out.print(cmd.OutOrStdout(), tier, verdicts, fix); err != nil {
		return exitWith(ExitInternal, err)
	}
	if fixErr != nil {
		return exitWith(fixCode(fixErr), fixErr)
	}
	return exitWith(ExitApplied, nil)
}
