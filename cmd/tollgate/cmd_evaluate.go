package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/render"
)

// outputOptions choose how results are printed
type outputOptions struct {
	tier string
	json bool
}

func (o *outputOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.tier, "tier", string(render.TierFree), "Output detail: free or pro")
	cmd.Flags().BoolVar(&o.json, "json", false, "Print results as JSON")
}

func (o *outputOptions) parse() (render.Tier, error) {
	tier, err := render.ParseTier(o.tier)
	if err != nil {
		return "", usageError(err)
	}
	return tier, nil
}

func (o *outputOptions) print(w io.Writer, tier render.Tier, verdicts []orchestrator.Verdict, fix *orchestrator.FixResult) error {
	if !o.json {
		return render.Render(w, tier, verdicts, fix)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Verdicts []orchestrator.Verdict  `json:"verdicts"`
		Fix      *orchestrator.FixResult `json:"fix,omitempty"`
	}{verdicts, fix})
}

func newEvaluateCmd(opts *globalOptions) *cobra.Command {
	var (
		bundleOpts bundleOptions
		outOpts    outputOptions
		inputPath  string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate proposed changes against a policy bundle",
		Long: `Evaluate every decision in the input file against the pinned policy
bundle and print one verdict per decision. The exit code is that of the
severest verdict.

A bundle that does not match its pin turns every verdict into a hard stop.`,
		Example: `  tollgate evaluate --bundle policy.yaml --bundle-sha256 sha256:... --input changes.json
  tollgate evaluate --bundle s3://policies/prod.yaml --input - < changes.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tier, err := outOpts.parse()
			if err != nil {
				return err
			}
			var in inputFile
			if err := readDocument(inputPath, opts.stdin, &in); err != nil {
				return usageError(err)
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

			verdicts, err := e.orch.Evaluate(ctx, orchestrator.EvalRequest{
				Bundle:       payload,
				BundleSHA256: pin,
				Decisions:    in.Decisions,
			})
			if err != nil {
				return exitWith(ExitInternal, err)
			}

			if err := outOpts.print(cmd.OutOrStdout(), tier, verdicts, nil); err != nil {
				return exitWith(ExitInternal, err)
			}
			if code := verdictCode(verdicts); code != ExitAllow {
				return exitWith(code, nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleOpts.location, "bundle", "", "Policy bundle path or s3:// URI")
	cmd.Flags().StringVar(&bundleOpts.sha256, "bundle-sha256", "", "Expected bundle digest (default: <bundle>.sha256 sidecar)")
	cmd.Flags().StringVar(&inputPath, "input", "", "Decisions file, or - for stdin")
	outOpts.register(cmd)
	return cmd
}
