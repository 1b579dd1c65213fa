package journal

import (
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Status tracks an entry through its lifecycle. Only Appended entries are
// ever seen by readers of a log.
type Status int

// The entry states. Failed is reachable from Pending and Executed.
const (
	Pending Status = iota
	Executed
	Recorded
	Appended
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executed:
		return "executed"
	case Recorded:
		return "recorded"
	case Appended:
		return "appended"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// An Entry is one operation in the journal, together with the context it
// ran in and the values needed to replay it.
type Entry struct {
	Position  uint64 // starts at 1; assigned on append
	Timestamp time.Time
	Caller    string
	Operation Operation
	Recovery  Recovery
	Status    Status `cbor:"-" json:"-"`

	result interface{} // delegate result not kept in the log
}

// newEntry returns a pending entry for op.
func newEntry(ctx *Context, op Operation) *Entry {
	return &Entry{
		Timestamp: ctx.Now,
		Caller:    ctx.Caller,
		Operation: op,
		Status:    Pending,
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// deterministic encoding, so the same entry always has the same bytes
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = opts.EncMode()
	if err != nil {
		panic("journal: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("journal: cbor decoder: " + err.Error())
	}
}

// Marshal encodes an entry.
func Marshal(e *Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

// Unmarshal decodes an entry. Decoded entries have status Appended.
func Unmarshal(b []byte) (*Entry, error) {
	e := new(Entry)
	if err := decMode.Unmarshal(b, e); err != nil {
		return nil, err
	}
	e.Status = Appended
	return e, nil
}

// NewEncoder returns an encoder writing a stream of entries to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// Decoder reads a stream of entries.
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder returns a decoder reading a stream of entries from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: decMode.NewDecoder(r)}
}

// Next returns the next entry, or io.EOF at the end of the stream.
func (d *Decoder) Next() (*Entry, error) {
	e := new(Entry)
	if err := d.dec.Decode(e); err != nil {
		return nil, err
	}
	e.Status = Appended
	return e, nil
}
