// Package pid parses and normalizes the persistent identifiers which name
// every object in the repository.
//
// A PID has the form "namespace:object-id". The namespace may contain
// letters, digits, '.' and '-'. The object id may also contain '~' and '_'
// and percent escapes such as "%2F". Escapes are normalized to use upper case
// hex digits. The whole identifier is limited to 64 characters.
package pid

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLength is the longest identifier we accept.
const MaxLength = 64

// URIPrefix is stripped from identifiers given in URI form.
const URIPrefix = "info:fedora/"

// Reason codes for a MalformedError. These strings are stable and may be
// compared against.
const (
	ReasonEmpty              = "empty"
	ReasonTooLong            = "too-long"
	ReasonMissingDelimiter   = "missing-delimiter"
	ReasonEmptyNamespace     = "empty-namespace"
	ReasonEmptyObjectID      = "empty-object-id"
	ReasonBadNamespaceChar   = "bad-namespace-char"
	ReasonBadObjectIDChar    = "bad-object-id-char"
	ReasonBadDelimiterEscape = "bad-delimiter-escape"
	ReasonBadEscape          = "bad-escape"
	ReasonTruncatedEscape    = "truncated-escape"
)

// ErrMalformed is matched by every MalformedError using errors.Is.
var ErrMalformed = errors.New("malformed identifier")

// A MalformedError describes why an input string is not a valid identifier.
type MalformedError struct {
	Input  string
	Reason string
	Detail string
}

func (e *MalformedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("malformed identifier %q: %s (%s)", e.Input, e.Reason, e.Detail)
	}
	return fmt.Sprintf("malformed identifier %q: %s", e.Input, e.Reason)
}

// Is lets errors.Is(err, ErrMalformed) succeed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// PID is a normalized identifier. The zero value is not a valid identifier.
type PID struct {
	s     string
	colon int // index of the delimiter in s
}

// Parse validates raw and returns its normalized form. The prefix
// "info:fedora/" is removed if present.
func Parse(raw string) (PID, error) {
	input := strings.TrimPrefix(raw, URIPrefix)
	bad := func(reason, detail string) (PID, error) {
		return PID{}, &MalformedError{Input: raw, Reason: reason, Detail: detail}
	}
	if input == "" {
		return bad(ReasonEmpty, "")
	}

	var out strings.Builder
	out.Grow(len(input))
	colon := -1
	for i := 0; i < len(input); i++ {
		c := input[i]
		if colon < 0 {
			// still in the namespace
			switch {
			case c == ':':
				colon = out.Len()
				out.WriteByte(':')
			case c == '%':
				if i+2 >= len(input) || input[i+1] != '3' || (input[i+2] != 'A' && input[i+2] != 'a') {
					return bad(ReasonBadDelimiterEscape, "only %3A may appear in the namespace")
				}
				i += 2
				colon = out.Len()
				out.WriteByte(':')
			case isAlnum(c) || c == '-' || c == '.':
				out.WriteByte(c)
			default:
				return bad(ReasonBadNamespaceChar, fmt.Sprintf("%q", c))
			}
			continue
		}
		switch {
		case isAlnum(c) || c == '-' || c == '.' || c == '~' || c == '_':
			out.WriteByte(c)
		case c == '%':
			if i+2 >= len(input) {
				return bad(ReasonTruncatedEscape, "need two hex digits after '%'")
			}
			h1, ok1 := normalHex(input[i+1])
			h2, ok2 := normalHex(input[i+2])
			if !ok1 || !ok2 {
				return bad(ReasonBadEscape, input[i:i+3])
			}
			out.WriteByte('%')
			out.WriteByte(h1)
			out.WriteByte(h2)
			i += 2
		default:
			return bad(ReasonBadObjectIDChar, fmt.Sprintf("%q", c))
		}
	}
	s := out.String()
	switch {
	case len(s) > MaxLength:
		// the limit applies to the normalized form, where %3A is one byte
		return bad(ReasonTooLong, fmt.Sprintf("length %d exceeds %d", len(s), MaxLength))
	case colon < 0:
		return bad(ReasonMissingDelimiter, "")
	case colon == 0:
		return bad(ReasonEmptyNamespace, "")
	case colon == len(s)-1:
		return bad(ReasonEmptyObjectID, "")
	}
	return PID{s: s, colon: colon}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package level variables.
func MustParse(raw string) PID {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// FromFilename is the inverse of PID.Filename.
func FromFilename(name string) (PID, error) {
	decoded := strings.Replace(name, "_", ":", 1)
	if strings.HasSuffix(decoded, "%") {
		decoded = decoded[:len(decoded)-1] + "."
	}
	return Parse(decoded)
}

// String returns the normalized identifier.
func (p PID) String() string { return p.s }

// IsZero is true for the zero PID.
func (p PID) IsZero() bool { return p.s == "" }

// Namespace returns the part before the delimiter.
func (p PID) Namespace() string {
	if p.s == "" {
		return ""
	}
	return p.s[:p.colon]
}

// ObjectID returns the part after the delimiter.
func (p PID) ObjectID() string {
	if p.s == "" {
		return ""
	}
	return p.s[p.colon+1:]
}

// URI returns the identifier in "info:fedora/ns:id" form.
func (p PID) URI() string { return URIPrefix + p.s }

// Filename returns a form of the identifier which is safe to use as a file
// name: the delimiter becomes '_' and a trailing '.' becomes '%'.
func (p PID) Filename() string {
	f := strings.Replace(p.s, ":", "_", 1)
	if strings.HasSuffix(f, ".") {
		f = f[:len(f)-1] + "%"
	}
	return f
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func normalHex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9', 'A' <= c && c <= 'F':
		return c, true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 'A', true
	}
	return 0, false
}
