package pid

import (
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	var table = []struct {
		input  string
		output string
	}{
		{"demo:1234", "demo:1234"},
		{"info:fedora/demo:1234", "demo:1234"},
		{"demo%3A1234", "demo:1234"},
		{"demo%3a1234", "demo:1234"},
		{"a-b.c:x~y_z.-", "a-b.c:x~y_z.-"},
		{"demo:a%2fb", "demo:a%2Fb"},
		{"demo:a%3Ab", "demo:a%3Ab"},
		{"demo:" + strings.Repeat("x", 59), "demo:" + strings.Repeat("x", 59)},
		// 66 bytes as typed, 64 once the delimiter is unescaped
		{"demo%3A" + strings.Repeat("a", 59), "demo:" + strings.Repeat("a", 59)},
		{"info:fedora/demo:" + strings.Repeat("x", 59), "demo:" + strings.Repeat("x", 59)},
	}
	for _, tab := range table {
		p, err := Parse(tab.input)
		if err != nil {
			t.Errorf("Parse(%q) got error %s", tab.input, err)
			continue
		}
		if p.String() != tab.output {
			t.Errorf("Parse(%q) got %q, expected %q", tab.input, p.String(), tab.output)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	var table = []struct {
		input  string
		reason string
	}{
		{"", ReasonEmpty},
		{"info:fedora/", ReasonEmpty},
		{"demo", ReasonMissingDelimiter},
		{":1234", ReasonEmptyNamespace},
		{"demo:", ReasonEmptyObjectID},
		{"demo:" + strings.Repeat("x", 60), ReasonTooLong},
		{"demo%3A" + strings.Repeat("a", 60), ReasonTooLong},
		{"demo:" + strings.Repeat("%2F", 20), ReasonTooLong},
		{"de mo:1", ReasonBadNamespaceChar},
		{"de_mo:1", ReasonBadNamespaceChar},
		{"demo:1 2", ReasonBadObjectIDChar},
		{"demo:1:2", ReasonBadObjectIDChar},
		{"demo%3B1", ReasonBadDelimiterEscape},
		{"demo%3", ReasonBadDelimiterEscape},
		{"demo:ab%zz", ReasonBadEscape},
		{"demo:ab%2", ReasonTruncatedEscape},
		{"demo:ab%", ReasonTruncatedEscape},
	}
	for _, tab := range table {
		_, err := Parse(tab.input)
		if err == nil {
			t.Errorf("Parse(%q) expected error", tab.input)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) error %v is not ErrMalformed", tab.input, err)
		}
		var merr *MalformedError
		if !errors.As(err, &merr) {
			t.Errorf("Parse(%q) error %T is not a *MalformedError", tab.input, err)
			continue
		}
		if merr.Reason != tab.reason {
			t.Errorf("Parse(%q) got reason %s, expected %s", tab.input, merr.Reason, tab.reason)
		}
	}
}

func TestFilename(t *testing.T) {
	var table = []struct {
		input    string
		filename string
	}{
		{"demo:1234", "demo_1234"},
		{"demo:12.", "demo_12%"},
		{"demo:a_b", "demo_a_b"},
		{"demo:x%2E.", "demo_x%2E%"},
		{"a.b-c:~", "a.b-c_~"},
	}
	for _, tab := range table {
		p := MustParse(tab.input)
		f := p.Filename()
		if f != tab.filename {
			t.Errorf("Filename(%s) got %q, expected %q", tab.input, f, tab.filename)
		}
		back, err := FromFilename(f)
		if err != nil {
			t.Errorf("FromFilename(%q) got error %s", f, err)
			continue
		}
		if back != p {
			t.Errorf("FromFilename(%q) got %v, expected %v", f, back, p)
		}
	}
}

func TestParts(t *testing.T) {
	p := MustParse("info:fedora/demo:1234")
	if p.Namespace() != "demo" {
		t.Errorf("Got %q, expected %q", p.Namespace(), "demo")
	}
	if p.ObjectID() != "1234" {
		t.Errorf("Got %q, expected %q", p.ObjectID(), "1234")
	}
	if p.URI() != "info:fedora/demo:1234" {
		t.Errorf("Got %q, expected %q", p.URI(), "info:fedora/demo:1234")
	}
	var zero PID
	if !zero.IsZero() || zero.Namespace() != "" || zero.ObjectID() != "" {
		t.Errorf("zero PID should be empty")
	}
}
