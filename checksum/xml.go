package checksum

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"io"
)

// Canonicalize reads an XML document from r and writes a normalized
// serialization of it to w. Character data consisting only of whitespace is
// dropped, and every tag is rewritten with single spaces between attributes
// and double quoted attribute values. Namespace prefixes are kept as written.
// Two documents which differ only in indentation or in the layout of their
// tags produce identical output.
func Canonicalize(w io.Writer, r io.Reader) error {
	bw := bufio.NewWriter(w)
	d := xml.NewDecoder(r)
	d.Strict = true
	for {
		tok, err := d.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			bw.WriteByte('<')
			bw.WriteString(qname(t.Name))
			for _, a := range t.Attr {
				bw.WriteByte(' ')
				bw.WriteString(qname(a.Name))
				bw.WriteString(`="`)
				xml.EscapeText(bw, []byte(a.Value))
				bw.WriteByte('"')
			}
			bw.WriteByte('>')
		case xml.EndElement:
			bw.WriteString("</")
			bw.WriteString(qname(t.Name))
			bw.WriteByte('>')
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			xml.EscapeText(bw, t)
		case xml.Comment:
			bw.WriteString("<!--")
			bw.Write(t)
			bw.WriteString("-->")
		case xml.ProcInst:
			bw.WriteString("<?")
			bw.WriteString(t.Target)
			if inst := bytes.TrimSpace(t.Inst); len(inst) > 0 {
				bw.WriteByte(' ')
				bw.Write(inst)
			}
			bw.WriteString("?>")
		case xml.Directive:
			bw.WriteString("<!")
			bw.Write(t)
			bw.WriteByte('>')
		}
	}
	return bw.Flush()
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// ComputeXML digests the canonical form of the XML document read from r.
func ComputeXML(t Type, r io.Reader) (string, error) {
	if t == Disabled {
		return None, nil
	}
	h, err := New(t)
	if err != nil {
		return "", err
	}
	if err := Canonicalize(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestXML is the never failing form of ComputeXML. See Digest.
func DigestXML(t Type, r io.Reader) string {
	v, err := ComputeXML(t, r)
	switch {
	case err == nil:
		return v
	case t == Disabled:
		return None
	}
	if _, uerr := New(t); uerr != nil {
		return None
	}
	return ReadFailure
}

// ValidateXML is Validate applied to the canonical form of an XML document.
func ValidateXML(t Type, declared string, r io.Reader) bool {
	return VerifyXML(t, declared, r) == nil
}

// VerifyXML is Verify applied to the canonical form of an XML document.
func VerifyXML(t Type, declared string, r io.Reader) error {
	if t == Disabled {
		return nil
	}
	if declared == "" || declared == None {
		return &MismatchError{Type: t, Expected: None}
	}
	actual, err := ComputeXML(t, r)
	if err != nil {
		return err
	}
	return compare(t, declared, actual)
}
