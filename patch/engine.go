// Package patch applies PatchSets to files as all-or-nothing transactions.
//
// A transaction moves through created, locked, backed_up, applying and
// committed, or through rolling_back to aborted. Every transition is
// appended to the journal before the engine acts on it, which is what lets
// Recover undo a transaction interrupted by a crash.
package patch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tollgate/lock"
	"github.com/yairfalse/tollgate/storage"
	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/types"
	"github.com/yairfalse/tollgate/wal"
)

const manifestName = "manifest.json"

var txIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// BaselineSource supplies the recorded hash for sets that omit one
type BaselineSource interface {
	Get(path string) (storage.Baseline, error)
}

// Options wires the engine to its collaborators
type Options struct {
	StateDir  string
	Locks     *lock.Coordinator
	Journal   *wal.WAL
	Baselines BaselineSource // optional
}

// Engine applies patch transactions
type Engine struct {
	stateDir  string
	locks     *lock.Coordinator
	journal   *wal.WAL
	baselines BaselineSource
	receipts  receipts
	fs        fileSystem
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// NewEngine creates an engine keeping backups under <StateDir>/tx
func NewEngine(opts Options) (*Engine, error) {
	if opts.StateDir == "" {
		return nil, errors.New("state directory is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock coordinator is required")
	}
	if opts.Journal == nil {
		return nil, errors.New("journal is required")
	}
	for _, dir := range []string{"tx", receiptDir} {
		if err := os.MkdirAll(filepath.Join(opts.StateDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory %s: %w", opts.StateDir, err)
		}
	}

	return &Engine{
		stateDir:  opts.StateDir,
		locks:     opts.Locks,
		journal:   opts.Journal,
		baselines: opts.Baselines,
		receipts:  receipts{dir: filepath.Join(opts.StateDir, receiptDir)},
		fs:        osFS{},
		logger:    telemetry.NewLogger("patch-engine"),
		metrics:   telemetry.DefaultMetrics(),
	}, nil
}

// FileChange describes one target file of a committed transaction
type FileChange struct {
	Path     string `json:"path"`
	Before   string `json:"before"`
	After    string `json:"after"`
	Changed  bool   `json:"changed"`
	Original []byte `json:"-"`
	Updated  []byte `json:"-"`
}

// Applied is the result of a committed transaction
type Applied struct {
	TxID  string       `json:"tx_id"`
	NoOp  bool         `json:"no_op"`
	Files []FileChange `json:"files"`
}

// work is the per-file plan of a transaction
type work struct {
	path     string
	baseline string
	sets     []types.PatchSet
	setIndex []int
	perm     fs.FileMode
	original []byte
	updated  []byte
	current  string
	noop     bool
	backup   string
}

type manifest struct {
	TxID  string         `json:"tx_id"`
	Files []manifestFile `json:"files"`
}

type manifestFile struct {
	Path   string      `json:"path"`
	Backup string      `json:"backup"`
	Hash   string      `json:"hash"`
	Mode   fs.FileMode `json:"mode"`
}

type createdData struct {
	Files []string `json:"files"`
	Sets  int      `json:"sets"`
}

type reasonData struct {
	Reason Reason `json:"reason"`
}

// Apply runs sets as one transaction. On success every target holds its
// patched content; on a *TxError every target holds its original content.
// An empty txID is replaced by a generated one.
func (e *Engine) Apply(ctx context.Context, txID string, sets []types.PatchSet) (*Applied, error) {
	if txID == "" {
		txID = uuid.NewString()
	}

	ctx, span := telemetry.Tracer.Start(ctx, "patch.Apply",
		trace.WithAttributes(
			attribute.String("tx_id", txID),
			attribute.Int("patch_sets", len(sets)),
		))
	defer span.End()

	applied, err := e.apply(ctx, txID, sets)

	var txErr *TxError
	switch {
	case errors.As(err, &txErr):
		span.SetStatus(codes.Error, string(txErr.Reason))
		e.metrics.RecordTransaction(ctx, string(txErr.Kind), string(txErr.Reason))
	case err != nil:
		span.RecordError(err)
		e.metrics.RecordTransaction(ctx, "error", "")
	default:
		e.metrics.RecordTransaction(ctx, "applied", "")
	}
	return applied, err
}

//nolint:gocyclo // each step maps to one state of the transaction
func (e *Engine) apply(ctx context.Context, txID string, sets []types.PatchSet) (*Applied, error) {
	if !validTxID(txID) {
		return nil, rejected(txID, ReasonInvalidPatch,
			fmt.Errorf("transaction id %q must match %s", txID, txIDPattern))
	}

	if err := e.journal.Append(wal.EntryTxCreated, txID, "", createdData{Files: targets(sets), Sets: len(sets)}); err != nil {
		return nil, fmt.Errorf("failed to journal transaction %s: %w", txID, err)
	}
	e.logger.LogTransition(ctx, txID, string(wal.EntryTxCreated), len(sets))

	if ctx.Err() != nil {
		return nil, e.abort(ctx, rejected(txID, ReasonCancelled, ctx.Err()))
	}

	works, txErr := e.plan(txID, sets)
	if txErr != nil {
		return nil, e.abort(ctx, txErr)
	}
	paths := workPaths(works)

	if txErr := e.probe(txID, works); txErr != nil {
		return nil, e.abort(ctx, txErr)
	}

	lease, err := e.locks.Acquire(ctx, paths, txID)
	if err != nil {
		reason := ReasonIOError
		switch {
		case ctx.Err() != nil:
			reason = ReasonCancelled
		case errors.Is(err, lock.ErrLockTimeout):
			reason = ReasonLockTimeout
		}
		return nil, e.abort(ctx, rejected(txID, reason, err, paths...))
	}
	defer func() {
		if err := lease.Release(); err != nil {
			e.logger.WithContext(ctx).Error().Err(err).Str("tx_id", txID).Msg("failed to release locks")
		}
	}()
	e.transition(ctx, txID, wal.EntryTxLocked, "", len(paths))

	if txErr := e.prepare(txID, works); txErr != nil {
		return nil, e.abort(ctx, txErr)
	}

	changed := make([]*work, 0, len(works))
	for _, w := range works {
		if !w.noop {
			changed = append(changed, w)
		}
	}
	if len(changed) == 0 {
		e.transition(ctx, txID, wal.EntryTxCommitted, "", 0)
		return result(txID, works), nil
	}

	backupDir := filepath.Join(e.stateDir, "tx", txID)
	if err := e.backup(txID, backupDir, changed); err != nil {
		_ = os.RemoveAll(backupDir)
		return nil, e.abort(ctx, rejected(txID, classify(err), err))
	}
	e.transition(ctx, txID, wal.EntryTxBackedUp, "", len(changed))

	if ctx.Err() != nil {
		_ = os.RemoveAll(backupDir)
		return nil, e.abort(ctx, rejected(txID, ReasonCancelled, ctx.Err()))
	}

	e.transition(ctx, txID, wal.EntryTxApplying, "", len(changed))
	var touched []*work
	for _, w := range changed {
		if ctx.Err() != nil {
			return nil, e.rollback(ctx, txID, backupDir, touched, ReasonCancelled, ctx.Err())
		}
		// journaled before the write so recovery knows the file may be dirty
		if err := e.journal.Append(wal.EntryTxApplying, txID, w.path, nil); err != nil {
			return nil, e.rollback(ctx, txID, backupDir, touched, ReasonIOError, err)
		}
		touched = append(touched, w)
		if err := e.fs.writeAtomic(w.path, w.updated, w.perm); err != nil {
			return nil, e.rollback(ctx, txID, backupDir, touched, classify(err), describeIO("writing", w.path, err))
		}
	}

	if err := e.journal.Append(wal.EntryTxCommitted, txID, "", nil); err != nil {
		return nil, e.rollback(ctx, txID, backupDir, touched, ReasonIOError, err)
	}
	e.logger.LogTransition(ctx, txID, string(wal.EntryTxCommitted), len(changed))

	if err := os.RemoveAll(backupDir); err != nil {
		e.logger.LogStorageError(ctx, "remove_backups", err)
	}
	for _, w := range changed {
		if err := e.receipts.write(w.path, w.sets, types.ContentHash(w.updated)); err != nil {
			e.logger.LogStorageError(ctx, "write_receipt", err)
		}
	}

	return result(txID, works), nil
}

// plan validates sets, groups them by canonical target and settles each
// file's baseline
func (e *Engine) plan(txID string, sets []types.PatchSet) ([]*work, *TxError) {
	if len(sets) == 0 {
		return nil, rejected(txID, ReasonInvalidPatch, errors.New("no patch sets"))
	}

	byPath := make(map[string]*work)
	var works []*work
	for i, set := range sets {
		if err := set.Validate(); err != nil {
			return nil, rejected(txID, ReasonInvalidPatch, fmt.Errorf("patch set %d: %w", i, err))
		}
		path, err := types.CanonicalPath(set.TargetFile)
		if err != nil {
			return nil, rejected(txID, ReasonInvalidPatch, err)
		}

		baseline := ""
		if set.BaselineHash != "" {
			baseline, _ = types.NormalizeHash(set.BaselineHash)
		}

		w, ok := byPath[path]
		if !ok {
			w = &work{path: path}
			byPath[path] = w
			works = append(works, w)
		}
		switch {
		case w.baseline == "":
			w.baseline = baseline
		case baseline != "" && baseline != w.baseline:
			return nil, rejected(txID, ReasonInvalidPatch,
				fmt.Errorf("patch sets for %s carry different baselines %s and %s", path, w.baseline, baseline), path)
		}
		w.sets = append(w.sets, set)
		w.setIndex = append(w.setIndex, i)
	}

	for _, w := range works {
		if w.baseline != "" {
			continue
		}
		if e.baselines == nil {
			return nil, rejected(txID, ReasonMissingBaseline, errors.New("no baseline hash given and no baseline store"), w.path)
		}
		b, err := e.baselines.Get(w.path)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rejected(txID, ReasonMissingBaseline, err, w.path)
		}
		if err != nil {
			return nil, rejected(txID, ReasonIOError, err, w.path)
		}
		w.baseline = b.Hash
	}

	sort.Slice(works, func(i, j int) bool { return works[i].path < works[j].path })
	return works, nil
}

// probe refuses the transaction up front when a target directory or the
// backup area cannot take writes
func (e *Engine) probe(txID string, works []*work) *TxError {
	dirs := map[string][]string{filepath.Join(e.stateDir, "tx"): nil}
	for _, w := range works {
		dir := filepath.Dir(w.path)
		dirs[dir] = append(dirs[dir], w.path)
	}

	names := make([]string, 0, len(dirs))
	for dir := range dirs {
		names = append(names, dir)
	}
	sort.Strings(names)

	for _, dir := range names {
		if err := e.fs.probe(dir); err != nil {
			return rejected(txID, classify(err), describeIO("probing", dir, err), dirs[dir]...)
		}
	}
	return nil
}

// prepare reads every target under lock, checks it against its baseline
// and computes the new content in memory
func (e *Engine) prepare(txID string, works []*work) *TxError {
	for _, w := range works {
		info, err := e.fs.stat(w.path)
		if errors.Is(err, fs.ErrNotExist) {
			return rejected(txID, ReasonConcurrentModification,
				fmt.Errorf("%s no longer exists (baseline %s)", w.path, w.baseline), w.path)
		}
		if err != nil {
			return rejected(txID, classify(err), err, w.path)
		}
		data, err := e.fs.readFile(w.path)
		if err != nil {
			return rejected(txID, classify(err), describeIO("reading", w.path, err), w.path)
		}

		w.perm = info.Mode().Perm()
		w.original = data
		w.current = types.ContentHash(data)

		if e.receipts.holds(w.path, w.sets, w.current) {
			w.noop = true
			w.updated = data
			continue
		}

		updated, err := applyAll(data, w)
		if w.current != w.baseline {
			if err == nil && bytes.Equal(updated, data) {
				w.noop = true
				w.updated = data
				continue
			}
			return rejected(txID, ReasonConcurrentModification,
				fmt.Errorf("%s: recorded baseline %s, current %s", w.path, w.baseline, w.current), w.path)
		}
		if err != nil {
			return rejected(txID, ReasonOpMismatch, err, w.path)
		}

		w.updated = updated
		w.noop = bytes.Equal(updated, data)
	}
	return nil
}

func applyAll(content []byte, w *work) ([]byte, error) {
	out := content
	for i, set := range w.sets {
		next, _, err := applySet(out, set, w.setIndex[i])
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}

// backup copies every file about to change into dir and writes the manifest
func (e *Engine) backup(txID, dir string, changed []*work) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	m := manifest{TxID: txID}
	for i, w := range changed {
		name := fmt.Sprintf("%03d.orig", i)
		if err := writeSynced(filepath.Join(dir, name), w.original, 0o600); err != nil {
			return describeIO("backing up", w.path, err)
		}
		w.backup = name
		m.Files = append(m.Files, manifestFile{Path: w.path, Backup: name, Hash: w.current, Mode: w.perm})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeSynced(filepath.Join(dir, manifestName), data, 0o600); err != nil {
		return describeIO("writing manifest in", dir, err)
	}
	return syncDir(dir)
}

// rollback restores every touched file from its in-memory original. Backups
// are kept when a restore fails so the files can be restored by hand.
func (e *Engine) rollback(ctx context.Context, txID, backupDir string, touched []*work, reason Reason, cause error) error {
	files := workPaths(touched)
	e.logger.LogRollback(ctx, txID, string(reason), cause)
	if err := e.journal.AppendError(wal.EntryTxRollingBack, txID, "", reasonData{Reason: reason}, cause); err != nil {
		e.logger.LogStorageError(ctx, "journal_rollback", err)
	}

	var restoreErrs []error
	for i := len(touched) - 1; i >= 0; i-- {
		w := touched[i]
		if err := restore(e.fs, w.path, w.original, w.current, w.perm); err != nil {
			restoreErrs = append(restoreErrs, describeIO("restoring", w.path, err))
		}
	}

	if len(restoreErrs) > 0 {
		restoreErr := fmt.Errorf("%w; originals kept in %s", errors.Join(restoreErrs...), backupDir)
		cause = errors.Join(cause, restoreErr)
		e.logger.WithContext(ctx).Error().Err(restoreErr).Str("tx_id", txID).Msg("rollback incomplete")
	} else if err := os.RemoveAll(backupDir); err != nil {
		e.logger.LogStorageError(ctx, "remove_backups", err)
	}

	if err := e.journal.AppendError(wal.EntryTxAborted, txID, "", reasonData{Reason: reason}, cause); err != nil {
		e.logger.LogStorageError(ctx, "journal_abort", err)
	}
	e.logger.LogTransition(ctx, txID, string(wal.EntryTxAborted), len(files))

	return &TxError{TxID: txID, Kind: KindRolledBack, Reason: reason, Files: files, Err: cause}
}

// restore puts original back unless the file already holds it
func restore(fsys fileSystem, path string, original []byte, hash string, perm fs.FileMode) error {
	if data, err := fsys.readFile(path); err == nil && types.ContentHash(data) == hash {
		return nil
	}
	return fsys.writeAtomic(path, original, perm)
}

func (e *Engine) abort(ctx context.Context, txErr *TxError) error {
	if err := e.journal.AppendError(wal.EntryTxAborted, txErr.TxID, "", reasonData{Reason: txErr.Reason}, txErr.Err); err != nil {
		e.logger.LogStorageError(ctx, "journal_abort", err)
	}
	e.logger.WithContext(ctx).Info().
		Str("tx_id", txErr.TxID).
		Str("reason", string(txErr.Reason)).
		Strs("files", txErr.Files).
		Msg("transaction rejected")
	return txErr
}

func (e *Engine) transition(ctx context.Context, txID string, state wal.EntryType, file string, files int) {
	if err := e.journal.Append(state, txID, file, nil); err != nil {
		e.logger.LogStorageError(ctx, "journal_"+string(state), err)
	}
	e.logger.LogTransition(ctx, txID, string(state), files)
}

func result(txID string, works []*work) *Applied {
	out := &Applied{TxID: txID, NoOp: true}
	for _, w := range works {
		fc := FileChange{
			Path:     w.path,
			Before:   w.current,
			After:    types.ContentHash(w.updated),
			Changed:  !w.noop,
			Original: w.original,
			Updated:  w.updated,
		}
		if fc.Changed {
			out.NoOp = false
		}
		out.Files = append(out.Files, fc)
	}
	return out
}

func validTxID(id string) bool {
	return txIDPattern.MatchString(id) && id != "." && id != ".."
}

func targets(sets []types.PatchSet) []string {
	seen := make(map[string]bool, len(sets))
	var out []string
	for _, s := range sets {
		p := s.TargetFile
		if p == "" {
			continue
		}
		if c, err := types.CanonicalPath(p); err == nil {
			p = c
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func workPaths(works []*work) []string {
	out := make([]string, len(works))
	for i, w := range works {
		out[i] = w.path
	}
	return out
}
