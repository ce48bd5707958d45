package patch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/yairfalse/tollgate/types"
)

var errMismatch = errors.New("op does not match content")

// Preview returns content with every op of set applied in order. Each op's
// location refers to the content as left by the previous op.
func Preview(content []byte, set types.PatchSet) ([]byte, error) {
	out, _, err := applySet(content, set, 0)
	return out, err
}

// IsApplied reports whether every op of set is already present in content,
// so applying set would change nothing
func IsApplied(content []byte, set types.PatchSet) bool {
	out, _, err := applySet(content, set, 0)
	return err == nil && bytes.Equal(out, content)
}

func applySet(content []byte, set types.PatchSet, setIndex int) ([]byte, bool, error) {
	out := append([]byte(nil), content...)
	changed := false
	for i, op := range set.Operations {
		next, did, err := applyOp(out, op)
		if err != nil {
			return nil, false, &OpMismatchError{
				File:  set.TargetFile,
				Set:   setIndex,
				Index: i,
				Op:    fmt.Sprintf("%s at %s", op.Kind, op.Location),
			}
		}
		out = next
		changed = changed || did
	}
	return out, changed, nil
}

// applyOp applies one op. An op whose effect is already present is a no-op.
func applyOp(content []byte, op types.PatchOp) ([]byte, bool, error) {
	at, err := resolve(content, op.Location)
	if err != nil {
		return nil, false, err
	}
	rest := content[at:]

	switch op.Kind {
	case types.OpReplace:
		// when one side is a prefix of the other the longer match decides
		applied := len(op.New) > 0 && bytes.HasPrefix(rest, op.New)
		if applied && len(op.New) >= len(op.Old) {
			return content, false, nil
		}
		if bytes.HasPrefix(rest, op.Old) {
			return splice(content, at, len(op.Old), op.New), true, nil
		}
		if applied {
			return content, false, nil
		}
		if len(op.New) == 0 && !bytes.Contains(content, op.Old) {
			return content, false, nil
		}
	case types.OpInsert:
		if bytes.HasPrefix(rest, op.New) {
			return content, false, nil
		}
		return splice(content, at, 0, op.New), true, nil
	case types.OpDelete:
		if bytes.HasPrefix(rest, op.Old) {
			return splice(content, at, len(op.Old), nil), true, nil
		}
		if !bytes.Contains(content, op.Old) {
			return content, false, nil
		}
	}
	return nil, false, errMismatch
}

// resolve turns a location into a byte offset. Line n starts after the
// (n-1)th newline; one line past the last is the end of the file.
func resolve(content []byte, loc types.Location) (int, error) {
	if !loc.IsLine() {
		if loc.Offset > int64(len(content)) {
			return 0, errMismatch
		}
		return int(loc.Offset), nil
	}

	at := 0
	for line := 1; line < loc.Line; line++ {
		nl := bytes.IndexByte(content[at:], '\n')
		if nl < 0 {
			if line == loc.Line-1 && at < len(content) {
				return len(content), nil
			}
			return 0, errMismatch
		}
		at += nl + 1
	}
	return at, nil
}

func splice(content []byte, at, remove int, insert []byte) []byte {
	out := make([]byte, 0, len(content)-remove+len(insert))
	out = append(out, content[:at]...)
	out = append(out, insert...)
	out = append(out, content[at+remove:]...)
	return out
}
