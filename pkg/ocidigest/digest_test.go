package ocidigest

import "testing"

func TestFromBytesRoundTrip(t *testing.T) {
	d := FromBytes([]byte("hello"))
	again, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", d, err)
	}
	if again != d {
		t.Fatalf("round trip mismatch: %s != %s", again, d)
	}
}

func TestParseRejectsOtherAlgorithms(t *testing.T) {
	_, err := Parse("sha512:aaaa")
	if err == nil {
		t.Fatal("expected error for non-sha256 digest")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "notadigest", "sha256:"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestPathHasNoColon(t *testing.T) {
	d := FromBytes([]byte("x"))
	p := Path(d)
	for _, r := range p {
		if r == ':' {
			t.Fatalf("Path(%s) contains a colon: %s", d, p)
		}
	}
}
