package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id < prev {
			t.Fatalf("IDs not monotonic: %s after %s", id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("run_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "run_") {
		t.Errorf("id %q missing prefix", id)
	}
	if len(id) != len("run_")+36 {
		t.Errorf("unexpected length %d for %q", len(id), id)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("f")
	for i, want := range []string{"f0", "f1", "f2"} {
		if got := gen(); got != want {
			t.Errorf("call %d = %q, want %q", i, got, want)
		}
	}
}
