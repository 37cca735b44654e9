package corpus

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, files map[string][]string) *Store {
	t.Helper()
	dir := t.TempDir()
	for name, lines := range files {
		content := ""
		for _, ln := range lines {
			content += ln + "\n"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	s, err := Open(dir, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestLoadSkipsBlankLines(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"one", "", "  ", "two"},
	})
	if got := s.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestSampleNoRepeatBeforeExhaustion(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"a1", "a2", "a3"},
		"b.txt": {"b1", "b2", "b3"},
	})

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		got := s.Sample(1)
		if len(got) != 1 {
			t.Fatalf("Sample(1) returned %d entries", len(got))
		}
		seen[got[0]]++
	}
	for entry, n := range seen {
		if n != 1 {
			t.Fatalf("entry %q drawn %d times before exhaustion", entry, n)
		}
	}
	if len(seen) != 6 {
		t.Fatalf("drew %d distinct entries, want 6", len(seen))
	}
}

func TestSampleDistinctWithinCall(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"a1", "a2", "a3", "a4", "a5"},
	})
	for i := 0; i < 10; i++ {
		got := s.Sample(4)
		dedup := make(map[string]struct{})
		for _, e := range got {
			dedup[e] = struct{}{}
		}
		if len(dedup) != len(got) {
			t.Fatalf("Sample(4) returned duplicates: %v", got)
		}
	}
}

func TestSampleLargerThanCorpus(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"one", "two"},
	})
	got := s.Sample(10)
	if len(got) != 2 {
		t.Fatalf("Sample(10) = %d entries, want 2", len(got))
	}
}

func TestSampleInterleavesFiles(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"a1", "a2", "a3"},
		"b.txt": {"b1", "b2", "b3"},
	})
	got := s.Sample(2)
	if len(got) != 2 {
		t.Fatalf("Sample(2) = %d entries", len(got))
	}
	if got[0][0] == got[1][0] {
		t.Fatalf("Sample(2) drew both entries from one file: %v", got)
	}
}

func TestAddAndRemove(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"one"},
	})

	n, err := s.Add([]string{"two", "", "three"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n != 2 {
		t.Fatalf("Add = %d, want 2", n)
	}
	if got := s.Count(); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}

	removed, err := s.RemoveAt(1)
	if err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}
	if removed != "one" {
		t.Fatalf("RemoveAt(1) = %q, want %q", removed, "one")
	}
	if got := s.Count(); got != 2 {
		t.Fatalf("Count after remove = %d, want 2", got)
	}
}

func TestRemoveAtOutOfRange(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"one"},
	})
	if _, err := s.RemoveAt(0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("RemoveAt(0) err = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := s.RemoveAt(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("RemoveAt(2) err = %v, want ErrIndexOutOfRange", err)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t, map[string][]string{
		"a.txt": {"one", "two"},
		"b.txt": {"three"},
	})
	n, err := s.Clear()
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 3 {
		t.Fatalf("Clear = %d, want 3", n)
	}
	if got := s.Count(); got != 0 {
		t.Fatalf("Count after clear = %d, want 0", got)
	}
	if got := s.Sample(1); got != nil {
		t.Fatalf("Sample on empty corpus = %v, want nil", got)
	}
}
