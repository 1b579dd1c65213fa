package datastream

import (
	"time"

	"github.com/ndlib/dorepo/checksum"
)

// Version is one immutable, dated snapshot of a datastream. Versions are
// handed out by value; changing a copy has no effect on the datastream.
type Version struct {
	ID        string
	Label     string
	MIMEType  string
	FormatURI string `json:",omitempty"`
	Created   time.Time
	Size      int64 // -1 if unknown
	Locator   Locator

	ChecksumType checksum.Type
	Checksum     string // checksum.None if not computed
}

// HasChecksum is true when the version carries a digest which can be
// validated.
func (v Version) HasChecksum() bool {
	return v.ChecksumType != checksum.Disabled &&
		v.ChecksumType != "" &&
		v.Checksum != "" &&
		v.Checksum != checksum.None &&
		v.Checksum != checksum.ReadFailure
}
