package strtab

import (
	"errors"
	"testing"

	"github.com/navaro-labs/nvol/flash"
	"github.com/navaro-labs/nvol/nvolerr"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	dev := flash.NewMemDevice(64 * 1024)
	tbl, err := New(Config{
		SectorA:    0,
		SectorB:    32 * 1024,
		SectorSize: 32 * 1024,
		Version:    1,
	}, dev)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl
}

func TestTableSetGet(t *testing.T) {
	tbl := newTestTable(t)

	if err := tbl.Set(7, []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := tbl.Get(7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Get(7) = %q, want %q", got, "hello")
	}
}

func TestTableGetMissing(t *testing.T) {
	tbl := newTestTable(t)
	if _, err := tbl.Get(1); !errors.Is(err, nvolerr.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestTableKeyWidthDoesNotCollideAdjacent(t *testing.T) {
	tbl := newTestTable(t)

	if err := tbl.Set(1, []byte("one")); err != nil {
		t.Fatalf("Set(1): %v", err)
	}
	if err := tbl.Set(256, []byte("two-fifty-six")); err != nil {
		t.Fatalf("Set(256): %v", err)
	}

	got1, err := tbl.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if string(got1) != "one" {
		t.Fatalf("Get(1) = %q, want %q", got1, "one")
	}

	got256, err := tbl.Get(256)
	if err != nil {
		t.Fatalf("Get(256): %v", err)
	}
	if string(got256) != "two-fifty-six" {
		t.Fatalf("Get(256) = %q, want %q", got256, "two-fifty-six")
	}
}

func TestTableForEach(t *testing.T) {
	tbl := newTestTable(t)

	want := map[uint16]string{1: "a", 2: "b", 3: "c"}
	for k, v := range want {
		if err := tbl.Set(k, []byte(v)); err != nil {
			t.Fatalf("Set(%d): %v", k, err)
		}
	}

	got := map[uint16]string{}
	if err := tbl.ForEach(func(e Entry) bool {
		got[e.Key] = string(e.Value)
		return true
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ForEach visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("entry %d = %q, want %q", k, got[k], v)
		}
	}
}

func TestResolveUsesHookBeforeStore(t *testing.T) {
	tbl := newTestTable(t)
	if err := tbl.Set(1, []byte("from-store")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tbl.SetSubstitution(func(key uint16) ([]byte, bool) {
		if key == 1 {
			return []byte("from-hook"), true
		}
		return nil, false
	})

	out := tbl.Resolve([]byte("value is ${1}"))
	if string(out) != "value is from-hook" {
		t.Fatalf("Resolve = %q, want hook value substituted", out)
	}
}

func TestResolveFallsBackToStore(t *testing.T) {
	tbl := newTestTable(t)
	if err := tbl.Set(42, []byte("answer")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	out := tbl.Resolve([]byte("the ${42} is known"))
	if string(out) != "the answer is known" {
		t.Fatalf("Resolve = %q", out)
	}
}

func TestResolveLeavesUnknownReferenceUntouched(t *testing.T) {
	tbl := newTestTable(t)
	out := tbl.Resolve([]byte("missing ${999} here"))
	if string(out) != "missing ${999} here" {
		t.Fatalf("Resolve = %q, want unresolved reference left as-is", out)
	}
}

func TestResolveIgnoresMalformedReference(t *testing.T) {
	tbl := newTestTable(t)
	out := tbl.Resolve([]byte("broken ${abc} and ${unterminated"))
	if string(out) != "broken ${abc} and ${unterminated" {
		t.Fatalf("Resolve = %q", out)
	}
}
