//go:build !unix

package patch

import (
	"errors"
	"io/fs"
)

func checkWritable(string) error { return nil }

func syncDir(string) error { return nil }

func isNoSpace(error) bool { return false }

func isReadOnly(err error) bool { return errors.Is(err, fs.ErrPermission) }
