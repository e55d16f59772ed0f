package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func unique(t *testing.T, gen Generator, n int) {
	t.Helper()
	seen := make(map[string]bool, n)
	for i := range n {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate %q after %d ids", id, i)
		}
		seen[id] = true
	}
}

func TestNanoID(t *testing.T) {
	for _, n := range []int{1, 8, 10, 37} {
		id := NanoID(n)()
		if len(id) != n {
			t.Fatalf("NanoID(%d) = %q", n, id)
		}
		if strings.Trim(id, alphabet) != "" {
			t.Fatalf("NanoID(%d) = %q: outside the alphabet", n, id)
		}
	}
	unique(t, NanoID(10), 2000)
}

func TestUUIDv7(t *testing.T) {
	gen := UUIDv7()
	a, b := gen(), gen()
	for _, id := range []string{a, b} {
		u, err := uuid.Parse(id)
		if err != nil || u.Version() != 7 {
			t.Fatalf("%q: version %v, err %v", id, u.Version(), err)
		}
	}
	if a >= b {
		t.Fatalf("v7 ids should sort by creation: %s >= %s", a, b)
	}
	unique(t, gen, 200)
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("page_", NanoID(10))()
	if !strings.HasPrefix(id, "page_") || len(id) != len("page_")+10 {
		t.Fatalf("Prefixed = %q", id)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("bat-")
	var got []string
	for range 3 {
		got = append(got, gen())
	}
	if strings.Join(got, ",") != "bat-1,bat-2,bat-3" {
		t.Fatalf("Sequence = %v", got)
	}
}

func TestDefault(t *testing.T) {
	if u, err := uuid.Parse(Default()); err != nil || u.Version() != 7 {
		t.Fatalf("Default: %v %v", u, err)
	}
}
