package patch

import (
	"fmt"
	"strings"
)

// Kind separates failures that wrote nothing from failures that had to undo writes
type Kind string

const (
	KindRejected   Kind = "rejected"
	KindRolledBack Kind = "rolled_back"
)

// Reason is the stable, machine-readable cause of a failed transaction
type Reason string

const (
	ReasonConcurrentModification Reason = "concurrent_modification"
	ReasonLockTimeout            Reason = "lock_timeout"
	ReasonReadOnlyFS             Reason = "read_only_fs"
	ReasonMissingBaseline        Reason = "missing_baseline"
	ReasonInvalidPatch           Reason = "invalid_patch"
	ReasonCancelled              Reason = "cancelled"
	ReasonOpMismatch             Reason = "op_mismatch"
	ReasonDiskFull               Reason = "disk_full"
	ReasonIOError                Reason = "io_error"
)

// TxError is returned by Apply when a transaction does not commit.
// After a TxError every target file holds its pre-transaction content.
type TxError struct {
	TxID   string
	Kind   Kind
	Reason Reason
	Files  []string
	Err    error
}

func (e *TxError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction %s %s (%s)", e.TxID, e.Kind, e.Reason)
	if len(e.Files) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(e.Files, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if hint := e.Reason.hint(); hint != "" {
		b.WriteString("; ")
		b.WriteString(hint)
	}
	return b.String()
}

func (e *TxError) Unwrap() error {
	return e.Err
}

func (r Reason) hint() string {
	switch r {
	case ReasonConcurrentModification:
		return "the file changed since the plan was made, re-run with an updated baseline"
	case ReasonLockTimeout:
		return "another transaction holds the files, retry once it finishes"
	case ReasonReadOnlyFS:
		return "make the target directory writable and retry"
	case ReasonMissingBaseline:
		return "record one with `tollgate baseline record <file>`"
	case ReasonOpMismatch:
		return "the patch does not fit the current file, regenerate the plan"
	case ReasonDiskFull:
		return "free disk space and retry"
	case ReasonCancelled:
		return "no changes were kept"
	}
	return ""
}

// OpMismatchError locates the operation that did not fit the file
type OpMismatchError struct {
	File  string
	Set   int
	Index int
	Op    string
}

func (e *OpMismatchError) Error() string {
	return fmt.Sprintf("%s: set %d op %d (%s) does not match the file content", e.File, e.Set, e.Index, e.Op)
}

func rejected(txID string, reason Reason, err error, files ...string) *TxError {
	return &TxError{TxID: txID, Kind: KindRejected, Reason: reason, Files: files, Err: err}
}
