package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// fileSystem is the engine's only route to the disk, swapped in tests to
// inject faults
type fileSystem interface {
	probe(dir string) error
	stat(path string) (fs.FileInfo, error)
	readFile(path string) ([]byte, error)
	writeAtomic(path string, data []byte, perm fs.FileMode) error
}

type osFS struct{}

func (osFS) stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

func (osFS) readFile(path string) ([]byte, error) { return os.ReadFile(path) }

// probe checks dir accepts new files by creating and removing one
func (osFS) probe(dir string) error {
	if err := checkWritable(dir); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tollgate-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// writeAtomic replaces path with data through a synced temp file and rename,
// then syncs the directory so the rename itself is durable
func (osFS) writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tollgate-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

// writeSynced writes a new file and syncs it
func writeSynced(path string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// classify maps a filesystem error onto a transaction reason
func classify(err error) Reason {
	switch {
	case err == nil:
		return ""
	case isNoSpace(err):
		return ReasonDiskFull
	case isReadOnly(err) || errors.Is(err, fs.ErrPermission):
		return ReasonReadOnlyFS
	}
	return ReasonIOError
}

func describeIO(op, path string, err error) error {
	return fmt.Errorf("%s %s: %w", op, path, err)
}
