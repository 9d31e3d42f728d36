package canonicalize

import (
	"strings"
	"testing"
)

func TestJCSKeyOrderInsensitive(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	b := map[string]any{"c": map[string]any{"y": false, "z": true}, "a": 1, "b": 2}

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes, got %s and %s", ha, hb)
	}
}

func TestHashBytesPrefix(t *testing.T) {
	h := HashBytes([]byte("covenant"))
	if !strings.HasPrefix(h, "sha256:") {
		t.Fatalf("expected sha256 prefix, got %s", h)
	}
	if len(h) != len("sha256:")+64 {
		t.Fatalf("unexpected digest length: %d", len(h))
	}
}

func TestHashDistinguishesValues(t *testing.T) {
	h1, _ := Hash(map[string]any{"n": 1})
	h2, _ := Hash(map[string]any{"n": 2})
	if h1 == h2 {
		t.Fatal("different values must hash differently")
	}
}
