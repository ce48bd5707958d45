// Package drift compares a file's current content hash against the baseline
// recorded when a patch was planned.
package drift

import (
	"errors"
	"fmt"
	"os"

	"github.com/yairfalse/tollgate/types"
)

// Status of a drift check
type Status string

const (
	StatusClean   Status = "clean"
	StatusDrifted Status = "drifted"
)

// ErrDrifted is returned by Guard when a file moved away from its baseline
var ErrDrifted = errors.New("baseline drift")

// Result describes one drift check
type Result struct {
	Status   Status `json:"status"`
	File     string `json:"file"`
	Recorded string `json:"recorded_hash"`
	Current  string `json:"current_hash"`
}

// Drifted reports whether the file no longer matches its baseline
func (r Result) Drifted() bool {
	return r.Status == StatusDrifted
}

// Message is the user-facing explanation of the result
func (r Result) Message() string {
	if !r.Drifted() {
		return fmt.Sprintf("%s matches baseline %s", r.File, r.Recorded)
	}
	return fmt.Sprintf("%s has drifted: recorded baseline %s, current %s; re-run with updated baseline",
		r.File, r.Recorded, r.Current)
}

// CheckDrift hashes path and compares it to recorded.
// A missing or unreadable file is an error, never Clean.
func CheckDrift(path, recorded string) (Result, error) {
	want, err := types.NormalizeHash(recorded)
	if err != nil {
		return Result{}, fmt.Errorf("invalid baseline for %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read %s for drift check: %w", path, err)
	}

	res := Result{
		Status:   StatusClean,
		File:     path,
		Recorded: want,
		Current:  types.ContentHash(data),
	}
	if res.Current != want {
		res.Status = StatusDrifted
	}
	return res, nil
}

// Guard refuses a drifted result unless force is set
func Guard(r Result, force bool) error {
	if !r.Drifted() || force {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDrifted, r.Message())
}
