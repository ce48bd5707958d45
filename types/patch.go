package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// PatchOpKind is the kind of edit a PatchOp performs
type PatchOpKind string

const (
	OpReplace PatchOpKind = "replace"
	OpInsert  PatchOpKind = "insert"
	OpDelete  PatchOpKind = "delete"
)

// Location addresses a point in a file, either a 1-based line or a byte
// offset. Line takes precedence when set.
type Location struct {
	Line   int   `json:"line,omitempty"`
	Offset int64 `json:"offset,omitempty"`
}

// IsLine reports whether the location is line-addressed
func (l Location) IsLine() bool {
	return l.Line > 0
}

func (l Location) String() string {
	if l.IsLine() {
		return fmt.Sprintf("line %d", l.Line)
	}
	return fmt.Sprintf("offset %d", l.Offset)
}

// PatchOp is one edit inside a PatchSet
type PatchOp struct {
	Kind     PatchOpKind
	Location Location
	Old      []byte
	New      []byte
}

type patchOpWire struct {
	Kind     PatchOpKind `json:"kind"`
	Location Location    `json:"location"`
	Old      string      `json:"old,omitempty"`
	New      string      `json:"new,omitempty"`
}

// MarshalJSON encodes Old and New as plain strings so plans stay readable
func (op PatchOp) MarshalJSON() ([]byte, error) {
	return json.Marshal(patchOpWire{
		Kind:     op.Kind,
		Location: op.Location,
		Old:      string(op.Old),
		New:      string(op.New),
	})
}

func (op *PatchOp) UnmarshalJSON(data []byte) error {
	var w patchOpWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op.Kind = w.Kind
	op.Location = w.Location
	op.Old = nil
	op.New = nil
	if w.Old != "" {
		op.Old = []byte(w.Old)
	}
	if w.New != "" {
		op.New = []byte(w.New)
	}
	return nil
}

// Validate checks the op is well-formed for its kind
func (op PatchOp) Validate() error {
	if op.Location.Line < 0 {
		return fmt.Errorf("negative line %d", op.Location.Line)
	}
	if op.Location.Offset < 0 {
		return fmt.Errorf("negative offset %d", op.Location.Offset)
	}
	if op.Location.Line > 0 && op.Location.Offset != 0 {
		return errors.New("location sets both line and offset")
	}

	switch op.Kind {
	case OpReplace:
		if len(op.Old) == 0 {
			return errors.New("replace requires old content")
		}
	case OpInsert:
		if len(op.New) == 0 {
			return errors.New("insert requires new content")
		}
		if len(op.Old) != 0 {
			return errors.New("insert must not carry old content")
		}
	case OpDelete:
		if len(op.Old) == 0 {
			return errors.New("delete requires old content")
		}
		if len(op.New) != 0 {
			return errors.New("delete must not carry new content")
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}

// PatchSet is the ordered list of edits planned against one file at one baseline
type PatchSet struct {
	TargetFile   string    `json:"target_file"`
	BaselineHash string    `json:"baseline_hash,omitempty"`
	Operations   []PatchOp `json:"operations"`
}

// Validate checks the set without touching the filesystem.
// An empty baseline hash is allowed; callers fill it from the baseline store.
func (s PatchSet) Validate() error {
	if s.TargetFile == "" {
		return errors.New("patch set has no target file")
	}
	if s.BaselineHash != "" {
		if _, err := NormalizeHash(s.BaselineHash); err != nil {
			return fmt.Errorf("%s: %w", s.TargetFile, err)
		}
	}
	if len(s.Operations) == 0 {
		return fmt.Errorf("%s: patch set has no operations", s.TargetFile)
	}
	for i, op := range s.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("%s: op %d: %w", s.TargetFile, i, err)
		}
	}
	return nil
}

// CanonicalPath returns the absolute, cleaned form of path
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
