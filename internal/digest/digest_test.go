package digest

import (
	"strings"
	"testing"
)

func TestSum(t *testing.T) {
	tests := []struct {
		h    Hasher
		want string
	}{
		{SHA256, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"},
		{MD5, "900150983CD24FB0D6963F7D28E17F72"},
	}
	for _, tt := range tests {
		if got := tt.h.Sum([]byte("abc")); got != tt.want {
			t.Errorf("%s Sum = %s, want %s", tt.h.Name(), got, tt.want)
		}
		got, err := tt.h.SumReader(strings.NewReader("abc"))
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s SumReader = %s, want %s", tt.h.Name(), got, tt.want)
		}
	}
}

func TestEmptyInputHasDigest(t *testing.T) {
	if got := SHA256.Sum(nil); got != "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855" {
		t.Fatalf("empty digest = %s", got)
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{
		"":        "sha256",
		"sha256":  "sha256",
		"SHA-256": "sha256",
		" md5 ":   "md5",
	} {
		h, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if h.Name() != want {
			t.Errorf("ByName(%q) = %s, want %s", name, h.Name(), want)
		}
	}
	if _, err := ByName("crc32"); err == nil {
		t.Fatal("expected error for unknown digest")
	}
}

func TestEqual(t *testing.T) {
	if !Equal("abcdef", "ABCDEF") {
		t.Fatal("case must not matter")
	}
	if !Equal("ABC\n", "ABC") {
		t.Fatal("surrounding space must not matter")
	}
	if Equal("ABC", "ABD") || Equal("ABC", "ABCD") {
		t.Fatal("different digests compared equal")
	}
}
