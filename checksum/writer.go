package checksum

import (
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// A Writer wraps an io.Writer and also computes a digest and a byte count of
// everything written through it.
type Writer struct {
	io.Writer // our io.MultiWriter
	t         Type
	h         hash.Hash
	n         int64
}

// NewWriter returns a Writer wrapping w. If w is nil the Writer only computes
// the digest. A Disabled type gives a Writer which only counts bytes.
func NewWriter(w io.Writer, t Type) (*Writer, error) {
	cw := &Writer{t: t}
	var targets []io.Writer
	if w != nil {
		targets = append(targets, w)
	}
	if t != Disabled {
		h, err := New(t)
		if err != nil {
			return nil, err
		}
		cw.h = h
		targets = append(targets, h)
	}
	targets = append(targets, counter{&cw.n})
	cw.Writer = io.MultiWriter(targets...)
	return cw, nil
}

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// Type returns the algorithm this writer uses.
func (w *Writer) Type() Type { return w.t }

// Sum returns the hex digest of the bytes written so far, or None if the
// writer is Disabled.
func (w *Writer) Sum() string {
	if w.h == nil {
		return None
	}
	return hex.EncodeToString(w.h.Sum(nil))
}

// Check compares the digest so far against goal. An empty goal is treated as
// matching.
func (w *Writer) Check(goal string) (string, bool) {
	sum := w.Sum()
	return sum, goal == "" || strings.EqualFold(goal, sum)
}

type counter struct{ n *int64 }

func (c counter) Write(p []byte) (int, error) {
	*c.n += int64(len(p))
	return len(p), nil
}
