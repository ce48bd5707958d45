// Package integrity verifies policy payloads against a pinned digest before
// anything else is allowed to read them.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/yairfalse/tollgate/types"
)

// Trusted holds payload bytes whose digest matched the pin.
// The zero value is not trusted; only Verify produces a usable one.
type Trusted struct {
	payload []byte
	digest  string
}

// Bytes returns a copy of the verified payload
func (t Trusted) Bytes() []byte {
	return append([]byte(nil), t.payload...)
}

// Digest returns the lowercase hex sha256 of the payload
func (t Trusted) Digest() string {
	return t.digest
}

// Valid reports whether t came from a successful Verify
func (t Trusted) Valid() bool {
	return t.digest != ""
}

// Verify hashes payload and compares it to expected.
// expected may be "sha256:<hex>" or bare hex. Any mismatch, including a
// malformed pin, is a HardStop with class integrity_error.
func Verify(payload []byte, expected string) (Trusted, error) {
	pin, err := types.NormalizeHash(expected)
	if err != nil {
		return Trusted{}, types.NewHardStop(types.ClassIntegrityError, "invalid pinned hash", err)
	}

	want, _ := hex.DecodeString(pin)
	got := sha256.Sum256(payload)
	if len(want) != len(got) || subtle.ConstantTimeCompare(want, got[:]) != 1 {
		return Trusted{}, types.NewHardStop(types.ClassIntegrityError,
			fmt.Sprintf("payload digest %x does not match pinned %s; refetch the bundle or update the pin", got, pin), nil)
	}

	return Trusted{
		payload: append([]byte(nil), payload...),
		digest:  pin,
	}, nil
}
