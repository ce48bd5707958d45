// Package render turns verdicts and fix results into text for people.
//
// The license tier only changes how much diff detail is shown. Verdict
// lines are identical for every tier, and nothing here can alter a verdict.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/types"
)

// Tier is the presentation level of the output
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// ParseTier parses a tier name
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro:
		return t, nil
	case "":
		return TierFree, nil
	}
	return "", fmt.Errorf("unknown tier %q (want free or pro)", s)
}

// Render writes one line per verdict and, when fix is set, the changes it
// made: the first hunk per file for free, the full diff for pro
func Render(w io.Writer, tier Tier, verdicts []orchestrator.Verdict, fix *orchestrator.FixResult) error {
	for _, v := range verdicts {
		if _, err := fmt.Fprintln(w, VerdictLine(v)); err != nil {
			return err
		}
	}
	if fix == nil {
		return nil
	}

	for _, o := range fix.Overrides {
		if _, err := fmt.Fprintf(w, "override  %s  recorded=%s current=%s\n", o.File, short(o.Recorded), short(o.Current)); err != nil {
			return err
		}
	}

	if fix.Applied == nil {
		return nil
	}
	if fix.Applied.NoOp {
		_, err := fmt.Fprintf(w, "applied   %s  no changes needed\n", fix.Applied.TxID)
		return err
	}
	if _, err := fmt.Fprintf(w, "applied   %s\n", fix.Applied.TxID); err != nil {
		return err
	}

	for _, f := range fix.Applied.Files {
		if !f.Changed {
			continue
		}
		fd, err := FileDiff(f.Path, f.Original, f.Updated)
		if err != nil {
			return err
		}
		if fd == nil {
			continue
		}
		if err := writeDiff(w, tier, fd); err != nil {
			return err
		}
	}
	return nil
}

func writeDiff(w io.Writer, tier Tier, fd *diff.FileDiff) error {
	hidden := 0
	if tier != TierPro && len(fd.Hunks) > 1 {
		hidden = len(fd.Hunks) - 1
		trimmed := *fd
		trimmed.Hunks = fd.Hunks[:1]
		fd = &trimmed
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return fmt.Errorf("printing diff of %s: %w", fd.NewName, err)
	}
	if _, err := w.Write(out); err != nil {
		return err
	}
	if hidden > 0 {
		_, err = fmt.Fprintf(w, "... %d more hunk(s) not shown\n", hidden)
	}
	return err
}

// VerdictLine is the tier-independent summary of one verdict
func VerdictLine(v orchestrator.Verdict) string {
	return fmt.Sprintf("%-9s %s  %s  fingerprint=%s",
		v.Outcome.Kind(), v.ResourceID, types.MatchOutcome[string](v.Outcome, detail{}), short(v.Fingerprint))
}

type detail struct{}

func (detail) VisitAllow(types.Allow) string  { return "no findings" }
func (detail) VisitWarn(w types.Warn) string   { return "reason=" + w.Reason }
func (detail) VisitBlock(b types.Block) string { return "rule=" + b.RuleID }
func (detail) VisitHardStop(h types.HardStop) string {
	return fmt.Sprintf("class=%s detail=%q", h.ErrorClass, h.Detail)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
