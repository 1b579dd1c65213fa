// Package checksum computes and compares content digests. Content is always
// read as a stream, one chunk at a time, so arbitrarily large payloads can be
// digested without holding them in memory.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Type names a digest algorithm.
type Type string

// The supported algorithms. Disabled turns checksumming off for a
// datastream. Default is replaced by the repository default using Resolve.
const (
	MD5      Type = "MD5"
	SHA1     Type = "SHA-1"
	SHA256   Type = "SHA-256"
	SHA384   Type = "SHA-384"
	SHA512   Type = "SHA-512"
	BLAKE3   Type = "BLAKE3"
	Disabled Type = "DISABLED"
	Default  Type = "DEFAULT"
)

const (
	// None is the digest value of a checksum which has not been computed.
	None = "none"

	// ReadFailure is the digest value recorded when the content could not
	// be read.
	ReadFailure = "ExceptionReadingStream"
)

// ChunkSize is the size of the buffer used to stream content through a hash.
const ChunkSize = 4096

var (
	// ErrUnsupported means the requested checksum type is not implemented.
	ErrUnsupported = errors.New("unsupported checksum algorithm")

	// ErrMismatch is matched by every MismatchError.
	ErrMismatch = errors.New("checksum mismatch")
)

// MismatchError is returned by Verify when the computed digest differs from
// the declared one.
type MismatchError struct {
	Type     Type
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch (%s): expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrMismatch) succeed.
func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// ParseType converts a string into a Type. The match is case insensitive and
// also accepts the names without a dash, e.g. "sha256".
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.Replace(s, "-", "", -1)) {
	case "MD5":
		return MD5, nil
	case "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA384":
		return SHA384, nil
	case "SHA512":
		return SHA512, nil
	case "BLAKE3":
		return BLAKE3, nil
	case "DISABLED":
		return Disabled, nil
	case "DEFAULT", "":
		return Default, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, s)
}

// Resolve replaces Default (or an empty type) with fallback.
func Resolve(t Type, fallback Type) Type {
	if t == Default || t == "" {
		return fallback
	}
	return t
}

// New returns a new hash for the given type. Disabled and Default do not
// have a hash and return ErrUnsupported.
func New(t Type) (hash.Hash, error) {
	switch t {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
}

// Compute returns the hex digest of everything read from r. For Disabled it
// returns None without touching r. Read errors are returned as is.
func Compute(t Type, r io.Reader) (string, error) {
	if t == Disabled {
		return None, nil
	}
	h, err := New(t)
	if err != nil {
		return "", err
	}
	if err := stream(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest is like Compute but never fails. An unreadable stream gives
// ReadFailure and an unsupported type gives None, so a checksum problem never
// prevents the content itself from being served.
func Digest(t Type, r io.Reader) string {
	v, err := Compute(t, r)
	switch {
	case errors.Is(err, ErrUnsupported):
		return None
	case err != nil:
		return ReadFailure
	}
	return v
}

// Validate recomputes the digest of r and compares it with declared. It is
// always true for Disabled, and the stream is not read in that case. A
// missing or None declared digest is never valid.
func Validate(t Type, declared string, r io.Reader) bool {
	return Verify(t, declared, r) == nil
}

// Verify is the error returning form of Validate. A digest disagreement is
// reported as a *MismatchError.
func Verify(t Type, declared string, r io.Reader) error {
	if t == Disabled {
		return nil
	}
	if declared == "" || declared == None {
		return &MismatchError{Type: t, Expected: None}
	}
	actual, err := Compute(t, r)
	if err != nil {
		return err
	}
	return compare(t, declared, actual)
}

// hex digests are compared without regard to case
func compare(t Type, declared, actual string) error {
	if !strings.EqualFold(actual, declared) {
		return &MismatchError{Type: t, Expected: declared, Actual: actual}
	}
	return nil
}

// stream copies r into h through a single ChunkSize buffer.
func stream(h hash.Hash, r io.Reader) error {
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
