package patch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/types"
	"github.com/yairfalse/tollgate/wal"
)

// Recovered reports what Recover did with one unfinished transaction
type Recovered struct {
	TxID     string        `json:"tx_id"`
	State    wal.EntryType `json:"state"`
	Restored []string      `json:"restored,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Recover rolls back every journaled transaction that never reached a
// terminal state. Transactions whose files are still locked belong to a
// live process and are skipped.
func (e *Engine) Recover(ctx context.Context) ([]Recovered, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "patch.Recover")
	defer span.End()

	pending, err := wal.Pending(e.journal.Dir())
	if err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", e.journal.Dir(), err)
	}

	out := make([]Recovered, 0, len(pending))
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec := e.recoverOne(ctx, tx)
		out = append(out, rec)

		result := "recovered"
		if rec.Skipped {
			result = "recovery_skipped"
		}
		e.metrics.RecordTransaction(ctx, result, string(tx.State))
	}
	return out, nil
}

func (e *Engine) recoverOne(ctx context.Context, tx wal.PendingTx) Recovered {
	rec := Recovered{TxID: tx.TxID, State: tx.State}
	log := e.logger.WithContext(ctx)

	backupDir := filepath.Join(e.stateDir, "tx", tx.TxID)
	m, err := readManifest(backupDir)
	if err != nil {
		rec.Error = err.Error()
		log.Error().Err(err).Str("tx_id", tx.TxID).Msg("cannot recover transaction")
		return rec
	}

	files := recoveryFiles(tx, m)
	if len(files) > 0 {
		lease, err := e.locks.Acquire(ctx, files, tx.TxID+"-recover")
		if err != nil {
			rec.Skipped = true
			rec.Error = err.Error()
			log.Warn().Err(err).Str("tx_id", tx.TxID).Msg("transaction still holds its files, skipping")
			return rec
		}
		defer func() { _ = lease.Release() }()
	}

	// it may have finished while we waited for the locks
	if !stillPending(e.journal.Dir(), tx.TxID) {
		rec.Skipped = true
		return rec
	}

	_ = e.journal.Append(wal.EntryTxRollingBack, tx.TxID, "", reasonData{Reason: "recovered"})

	var restoreErrs []error
	if m != nil {
		for _, f := range m.Files {
			original, err := e.fs.readFile(filepath.Join(backupDir, f.Backup))
			if err != nil {
				restoreErrs = append(restoreErrs, describeIO("reading backup of", f.Path, err))
				continue
			}
			if types.ContentHash(original) != f.Hash {
				restoreErrs = append(restoreErrs, fmt.Errorf("backup of %s does not match its recorded hash %s", f.Path, f.Hash))
				continue
			}
			if current, err := e.fs.readFile(f.Path); err == nil && types.ContentHash(current) == f.Hash {
				continue
			}
			if err := e.fs.writeAtomic(f.Path, original, f.Mode); err != nil {
				restoreErrs = append(restoreErrs, describeIO("restoring", f.Path, err))
				continue
			}
			rec.Restored = append(rec.Restored, f.Path)
		}
	}

	if len(restoreErrs) > 0 {
		err := fmt.Errorf("%w; originals kept in %s", errors.Join(restoreErrs...), backupDir)
		rec.Error = err.Error()
		log.Error().Err(err).Str("tx_id", tx.TxID).Msg("recovery incomplete")
		return rec
	}

	_ = e.journal.Append(wal.EntryTxAborted, tx.TxID, "", reasonData{Reason: "recovered"})
	if err := os.RemoveAll(backupDir); err != nil {
		e.logger.LogStorageError(ctx, "remove_backups", err)
	}

	log.Info().
		Str("tx_id", tx.TxID).
		Str("state", string(tx.State)).
		Strs("restored", rec.Restored).
		Msg("recovered interrupted transaction")
	return rec
}

// readManifest returns nil when the transaction never got as far as
// backing anything up
func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest in %s: %w", dir, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest in %s: %w", dir, err)
	}
	return &m, nil
}

func recoveryFiles(tx wal.PendingTx, m *manifest) []string {
	var files []string
	if m != nil {
		for _, f := range m.Files {
			files = append(files, f.Path)
		}
		return files
	}
	var created createdData
	if len(tx.Created) > 0 && json.Unmarshal(tx.Created, &created) == nil {
		files = append(files, created.Files...)
	}
	return append(files, tx.Files...)
}

func stillPending(dir, txID string) bool {
	pending, err := wal.Pending(dir)
	if err != nil {
		return true
	}
	for _, tx := range pending {
		if tx.TxID == txID {
			return true
		}
	}
	return false
}
