package checksum

import (
	"bytes"
	"strings"
	"testing"
)

const compactDC = `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>A &amp; B</dc:title><dc:identifier>demo:1</dc:identifier></oai_dc:dc>`

const indentedDC = `<oai_dc:dc   xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"
      xmlns:dc='http://purl.org/dc/elements/1.1/'>
    <dc:title>A &amp; B</dc:title>
    <dc:identifier>demo:1</dc:identifier>
</oai_dc:dc>
`

func TestCanonicalize(t *testing.T) {
	var a, b bytes.Buffer
	if err := Canonicalize(&a, strings.NewReader(compactDC)); err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if err := Canonicalize(&b, strings.NewReader(indentedDC)); err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if a.String() != b.String() {
		t.Errorf("Got\n%s\nand\n%s\nexpected identical output", a.String(), b.String())
	}
	if a.String() != compactDC {
		t.Errorf("Got %s, expected %s", a.String(), compactDC)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	var once, twice bytes.Buffer
	Canonicalize(&once, strings.NewReader(indentedDC))
	Canonicalize(&twice, bytes.NewReader(once.Bytes()))
	if once.String() != twice.String() {
		t.Errorf("Got %s, expected %s", twice.String(), once.String())
	}
}

func TestComputeXML(t *testing.T) {
	a, err := ComputeXML(MD5, strings.NewReader(compactDC))
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	b, _ := ComputeXML(MD5, strings.NewReader(indentedDC))
	if a != b {
		t.Errorf("Got %s and %s, expected equal digests", a, b)
	}
	if !ValidateXML(MD5, a, strings.NewReader(indentedDC)) {
		t.Errorf("ValidateXML = false, expected true")
	}
	// text content is significant
	c, _ := ComputeXML(MD5, strings.NewReader(strings.Replace(compactDC, "A &amp; B", "A and B", 1)))
	if a == c {
		t.Errorf("changed text produced the same digest")
	}
	if d := DigestXML(MD5, strings.NewReader("<a><b attr=></b></a>")); d != ReadFailure {
		t.Errorf("Got %s, expected %s", d, ReadFailure)
	}
}
