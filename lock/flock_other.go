//go:build !unix

package lock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("file locking requires flock(2)")

func lockFile(*os.File) error {
	return errUnsupported
}

func unlockFile(*os.File) error {
	return errUnsupported
}
