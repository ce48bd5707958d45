package render

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tollgate/drift"
	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/patch"
	"github.com/yairfalse/tollgate/types"
)

func verdict(t *testing.T, id string, o types.Outcome) orchestrator.Verdict {
	t.Helper()
	fp, err := types.Fingerprint(o)
	require.NoError(t, err)
	return orchestrator.Verdict{ResourceID: id, Outcome: o, Fingerprint: fp}
}

// numbered returns n lines "line 1".."line n"
func numbered(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return lines
}

func join(lines []string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

// twoHunkFix changes lines 2 and 30 of a 40 line file
func twoHunkFix() *orchestrator.FixResult {
	before := numbered(40)
	after := numbered(40)
	after[1] = "changed 2"
	after[29] = "changed 30"

	return &orchestrator.FixResult{
		Applied: &patch.Applied{
			TxID: "tx-1",
			Files: []patch.FileChange{{
				Path:     "/work/main.tf",
				Changed:  true,
				Original: join(before),
				Updated:  join(after),
			}},
		},
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("PRO")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)

	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	_, err = ParseTier("enterprise")
	assert.Error(t, err)
}

func TestFileDiff(t *testing.T) {
	fd, err := FileDiff("/work/main.tf", []byte("a\nb\nc\n"), []byte("a\nB\nc\n"))
	require.NoError(t, err)
	require.NotNil(t, fd)
	require.Len(t, fd.Hunks, 1)

	body := string(fd.Hunks[0].Body)
	assert.Contains(t, body, "-b\n")
	assert.Contains(t, body, "+B\n")
	assert.Equal(t, "a/work/main.tf", fd.OrigName)
	assert.Equal(t, "b/work/main.tf", fd.NewName)

	fd, err = FileDiff("/work/main.tf", []byte("same\n"), []byte("same\n"))
	require.NoError(t, err)
	assert.Nil(t, fd)
}

func TestFileDiff_UnterminatedLastLine(t *testing.T) {
	fd, err := FileDiff("/work/x", []byte("a\nb"), []byte("a\nc"))
	require.NoError(t, err)
	require.NotNil(t, fd)
	assert.Contains(t, string(fd.Hunks[0].Body), "+c\n")
}

func TestRender_FreeShowsFirstHunkOnly(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, TierFree, []orchestrator.Verdict{verdict(t, "aws_s3_bucket.logs", types.Allow{})}, twoHunkFix())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "aws_s3_bucket.logs")
	assert.Contains(t, out, "+changed 2")
	assert.NotContains(t, out, "+changed 30")
	assert.Contains(t, out, "1 more hunk(s) not shown")
}

func TestRender_ProShowsFullDiff(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, TierPro, []orchestrator.Verdict{verdict(t, "aws_s3_bucket.logs", types.Allow{})}, twoHunkFix())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "+changed 2")
	assert.Contains(t, out, "+changed 30")
	assert.Contains(t, out, "--- a/work/main.tf")
	assert.Contains(t, out, "+++ b/work/main.tf")
	assert.NotContains(t, out, "not shown")
}

func TestRender_NoOpAndOverrides(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, TierFree, nil, &orchestrator.FixResult{
		Applied:   &patch.Applied{TxID: "tx-2", NoOp: true},
		Overrides: []drift.Result{{Status: drift.StatusDrifted, File: "/work/main.tf", Recorded: "aaaa", Current: "bbbb"}},
	})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "override  /work/main.tf")
	assert.Contains(t, buf.String(), "tx-2  no changes needed")
}

func TestVerdictLine(t *testing.T) {
	tests := []struct {
		outcome types.Outcome
		want    string
	}{
		{types.Allow{}, "no findings"},
		{types.Warn{Reason: "severity:high"}, "reason=severity:high"},
		{types.Block{RuleID: "require-owner"}, "rule=require-owner"},
		{types.HardStop{ErrorClass: types.ClassIntegrityError, Detail: "digest"}, `class=integrity_error detail="digest"`},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			line := VerdictLine(verdict(t, "r1", tt.outcome))
			assert.Contains(t, line, tt.want)
			assert.True(t, strings.HasPrefix(line, string(tt.outcome.Kind())))
		})
	}
}

func outcomeOf(kind int, text string) types.Outcome {
	switch kind % 4 {
	case 0:
		return types.Allow{}
	case 1:
		return types.Warn{Reason: text}
	case 2:
		return types.Block{RuleID: text}
	default:
		return types.HardStop{ErrorClass: types.ClassMalformedInput, Detail: text}
	}
}

func TestRender_TierNeverChangesVerdicts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("verdict lines and fingerprints are identical for every tier", prop.ForAll(
		func(kind int, text, id string) bool {
			o := outcomeOf(kind, text)
			fp, err := types.Fingerprint(o)
			if err != nil {
				return false
			}
			verdicts := []orchestrator.Verdict{{ResourceID: id, Outcome: o, Fingerprint: fp}}

			var free, pro bytes.Buffer
			if Render(&free, TierFree, verdicts, twoHunkFix()) != nil {
				return false
			}
			if Render(&pro, TierPro, verdicts, twoHunkFix()) != nil {
				return false
			}

			after, err := types.Fingerprint(verdicts[0].Outcome)
			if err != nil || after != fp {
				return false
			}
			firstFree, _, _ := strings.Cut(free.String(), "\n")
			firstPro, _, _ := strings.Cut(pro.String(), "\n")
			return firstFree == firstPro && firstFree == VerdictLine(verdicts[0])
		},
		gen.IntRange(0, 3),
		gen.AlphaString(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
