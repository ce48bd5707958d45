package main

import (
	"errors"

	"github.com/yairfalse/tollgate/drift"
	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/patch"
	"github.com/yairfalse/tollgate/types"
)

// Exit codes are a stable contract for CI pipelines
const (
	ExitAllow      = 0
	ExitInternal   = 1
	ExitUsage      = 2
	ExitWarn       = 10
	ExitBlock      = 20
	ExitHardStop   = 30
	ExitApplied    = 40
	ExitRejected   = 41
	ExitRolledBack = 42
)

// exitError carries the process exit code out of a command.
// A nil err means the outcome was already reported on stdout.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func usageError(err error) error {
	return exitWith(ExitUsage, err)
}

type outcomeCode struct{}

func (outcomeCode) VisitAllow(types.Allow) int       { return ExitAllow }
func (outcomeCode) VisitWarn(types.Warn) int         { return ExitWarn }
func (outcomeCode) VisitBlock(types.Block) int       { return ExitBlock }
func (outcomeCode) VisitHardStop(types.HardStop) int { return ExitHardStop }

// verdictCode is the exit code of the severest verdict in a batch
func verdictCode(verdicts []orchestrator.Verdict) int {
	code := ExitAllow
	for _, v := range verdicts {
		if c := types.MatchOutcome[int](v.Outcome, outcomeCode{}); c > code {
			code = c
		}
	}
	return code
}

// fixCode maps a Fix error to its exit code
func fixCode(err error) int {
	if err == nil {
		return ExitApplied
	}

	var txErr *patch.TxError
	if errors.As(err, &txErr) {
		if txErr.Kind == patch.KindRolledBack {
			return ExitRolledBack
		}
		return ExitRejected
	}

	if errors.Is(err, drift.ErrDrifted) || errors.Is(err, orchestrator.ErrNotFixable) {
		return ExitRejected
	}

	var hs *types.HardStopError
	if errors.As(err, &hs) {
		return ExitHardStop
	}
	return ExitInternal
}
