package patch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/yairfalse/tollgate/types"
)

const receiptDir = "receipts"

// receipts remember, per committed PatchSet, the hash its target held right
// after the commit. Content alone cannot tell a re-applied Delete of a
// repeated line from a fresh one; a receipt can.
type receipts struct {
	dir string
}

// receiptKey identifies a set by target and operations. The baseline is
// left out since callers re-pin it between attempts.
func receiptKey(path string, set types.PatchSet) (string, error) {
	data, err := json.Marshal(struct {
		File       string          `json:"file"`
		Operations []types.PatchOp `json:"operations"`
	}{path, set.Operations})
	if err != nil {
		return "", err
	}
	return types.ContentHash(data), nil
}

// holds reports whether every set was committed and left path at hash
func (r receipts) holds(path string, sets []types.PatchSet, hash string) bool {
	if r.dir == "" || len(sets) == 0 {
		return false
	}
	for _, set := range sets {
		key, err := receiptKey(path, set)
		if err != nil {
			return false
		}
		data, err := os.ReadFile(filepath.Join(r.dir, key))
		if err != nil || strings.TrimSpace(string(data)) != hash {
			return false
		}
	}
	return true
}

func (r receipts) write(path string, sets []types.PatchSet, hash string) error {
	if r.dir == "" {
		return nil
	}
	var errs []error
	for _, set := range sets {
		key, err := receiptKey(path, set)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := writeSynced(filepath.Join(r.dir, key), []byte(hash+"\n"), 0o600); err != nil {
			errs = append(errs, describeIO("writing receipt for", path, err))
		}
	}
	return errors.Join(errs...)
}

// IsApplied reports whether re-applying set would change nothing: either a
// previous commit of set left the target exactly as it is now, or the
// target already carries every op
func (e *Engine) IsApplied(set types.PatchSet) bool {
	path, err := types.CanonicalPath(set.TargetFile)
	if err != nil {
		return false
	}
	data, err := e.fs.readFile(path)
	if err != nil {
		return false
	}
	if e.receipts.holds(path, []types.PatchSet{set}, types.ContentHash(data)) {
		return true
	}
	return IsApplied(data, set)
}
