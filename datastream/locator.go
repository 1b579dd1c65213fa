package datastream

import (
	"fmt"
	"strings"

	"github.com/ndlib/dorepo/fetch"
	"github.com/ndlib/dorepo/upload"
)

// Kind tags where the bytes of a version live.
type Kind int

// The locator kinds. The kind is decided when a version is written and never
// inferred from the shape of a reference afterwards.
const (
	Inline   Kind = iota + 1 // bytes are held in the locator itself
	Internal                 // key in the low-level content store
	Uploaded                 // id in the temporary upload store
	External                 // URL of content outside the repository
)

var kindNames = map[Kind]string{
	Inline:   "inline",
	Internal: "internal",
	Uploaded: "uploaded",
	External: "external",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// A Locator says where the content of one version is. Only one of Inline and
// Ref is used, depending on Kind.
type Locator struct {
	Kind   Kind
	Inline []byte `json:",omitempty"`
	Ref    string `json:",omitempty"`
}

// InlineLocator holds content directly.
func InlineLocator(b []byte) Locator { return Locator{Kind: Inline, Inline: b} }

// InternalLocator names a key in the low-level content store.
func InternalLocator(key string) Locator { return Locator{Kind: Internal, Ref: key} }

// UploadedLocator names a staged upload.
func UploadedLocator(id string) Locator { return Locator{Kind: Uploaded, Ref: id} }

// ExternalLocator names content by URL.
func ExternalLocator(url string) Locator { return Locator{Kind: External, Ref: url} }

func (l Locator) String() string {
	switch l.Kind {
	case Inline:
		return fmt.Sprintf("inline(%d bytes)", len(l.Inline))
	case Uploaded:
		return upload.Location(l.Ref)
	}
	return l.Ref
}

// CheckLocator returns an error if a locator of this kind may not be held by
// a datastream of control group cg.
func CheckLocator(cg ControlGroup, l Locator) error {
	ok := false
	switch cg {
	case InlineXML:
		ok = l.Kind == Inline
	case Managed:
		ok = l.Kind == Internal || l.Kind == Uploaded || l.Kind == External
	case ExternalRef, Redirect:
		ok = l.Kind == External
	default:
		return fmt.Errorf("%w: %q", ErrControlGroup, string(cg))
	}
	if !ok {
		return fmt.Errorf("%w: %s locator in control group %s", ErrLocator, l.Kind, cg)
	}
	if l.Kind != Inline && l.Ref == "" {
		return fmt.Errorf("%w: empty %s reference", ErrLocator, l.Kind)
	}
	return nil
}

// ParseLocation classifies a location string for a datastream of control
// group cg. It understands the conventions used by older records and by
// clients: "uploaded://id" names a staged upload, a fetchable URL names
// external content, and anything else in a managed datastream is an internal
// storage key. Inline XML has no location string.
func ParseLocation(cg ControlGroup, s string) (Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Locator{}, fmt.Errorf("%w: empty location", ErrLocator)
	}
	var l Locator
	switch {
	case cg == InlineXML:
		return Locator{}, fmt.Errorf("%w: inline datastreams have no location", ErrLocator)
	case strings.HasPrefix(s, upload.Scheme):
		id, _ := upload.ParseLocation(s)
		l = UploadedLocator(id)
	case fetch.Valid(s):
		l = ExternalLocator(s)
	case cg == Managed:
		l = InternalLocator(s)
	default:
		return Locator{}, fmt.Errorf("%w: %q is not a URL", ErrLocator, s)
	}
	return l, CheckLocator(cg, l)
}

// MarshalText writes the kind by name. The zero Kind, meaning no locator,
// is written as an empty string.
func (k Kind) MarshalText() ([]byte, error) {
	if k == 0 {
		return []byte{}, nil
	}
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrLocator, int(k))
	}
	return []byte(s), nil
}

// UnmarshalText is the inverse of MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = 0
		return nil
	}
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: unknown kind %q", ErrLocator, b)
}
