package corpus

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const logPrefix = "[corpus]"

const defaultFileName = "messages.txt"

var ErrIndexOutOfRange = errors.New("index out of range")

type sourceRef struct {
	path string
	line int
}

// Store keeps the persona example corpus: one example per line across the
// .txt files in its directory. Admin mutations rewrite the files and reload;
// generation tasks only read, under the same mutex, so every sample sees a
// consistent snapshot.
type Store struct {
	dir string

	mu      sync.Mutex
	entries []string
	sources []sourceRef
	rng     *rand.Rand

	// drawOrder is a file-interleaved permutation of entry indices. Samples
	// consume it in order so no entry repeats before its peers have been
	// drawn; mutations invalidate it.
	drawOrder []int
	drawPos   int
}

func Open(dir string, rng *rand.Rand) (*Store, error) {
	if rng == nil {
		return nil, fmt.Errorf("corpus: rng is required")
	}
	s := &Store{dir: dir, rng: rng}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rescans the directory and loads every .txt file.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("corpus dir %s: %w", s.dir, err)
	}

	names, err := filepath.Glob(filepath.Join(s.dir, "*.txt"))
	if err != nil {
		return err
	}
	sort.Strings(names)

	s.entries = s.entries[:0]
	s.sources = s.sources[:0]
	for _, path := range names {
		b, err := os.ReadFile(path)
		if err != nil {
			log.Printf("%s failed to load %s: %v", logPrefix, path, err)
			continue
		}
		for i, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			s.entries = append(s.entries, line)
			s.sources = append(s.sources, sourceRef{path: path, line: i})
		}
	}

	s.drawOrder = nil
	s.drawPos = 0
	log.Printf("%s loaded %d examples from %d files", logPrefix, len(s.entries), len(names))
	return nil
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// List returns a copy of all examples in file order.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

// Add appends the non-empty lines to the default corpus file and reloads.
// Returns the number of examples added.
func (s *Store) Add(lines []string) (int, error) {
	cleaned := make([]string, 0, len(lines))
	for _, ln := range lines {
		if t := strings.TrimSpace(ln); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return 0, err
	}
	target := filepath.Join(s.dir, defaultFileName)
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	for _, ln := range cleaned {
		if _, err := fmt.Fprintln(f, ln); err != nil {
			f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	if err := s.reloadLocked(); err != nil {
		return 0, err
	}
	return len(cleaned), nil
}

// RemoveAt removes the example at the 1-based global index from its source
// file, shifting subsequent indices down. Out-of-range indices are rejected.
func (s *Store) RemoveAt(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	real := index - 1
	if real < 0 || real >= len(s.entries) {
		return "", fmt.Errorf("%w: %d (have %d examples)", ErrIndexOutOfRange, index, len(s.entries))
	}

	ref := s.sources[real]
	removed := s.entries[real]

	b, err := os.ReadFile(ref.path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(b), "\n")
	if ref.line < 0 || ref.line >= len(lines) {
		return "", fmt.Errorf("corpus file %s changed underneath us", ref.path)
	}
	lines = append(lines[:ref.line], lines[ref.line+1:]...)
	if err := os.WriteFile(ref.path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return "", err
	}

	if err := s.reloadLocked(); err != nil {
		return "", err
	}
	return removed, nil
}

// Clear deletes every corpus .txt file. Returns the number of examples removed.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.entries)
	names, err := filepath.Glob(filepath.Join(s.dir, "*.txt"))
	if err != nil {
		return 0, err
	}
	for _, path := range names {
		if err := os.Remove(path); err != nil {
			return 0, err
		}
	}
	if err := s.reloadLocked(); err != nil {
		return 0, err
	}
	return count, nil
}

// Sample draws up to n distinct examples. Draws walk a persistent
// file-interleaved permutation, so repeated calls never repeat an entry
// before the rest of the corpus has been drawn.
func (s *Store) Sample(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 || n <= 0 {
		return nil
	}

	if n >= len(s.entries) {
		out := append([]string(nil), s.entries...)
		s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	out := make([]string, 0, n)
	seen := make(map[int]struct{}, n)
	for len(out) < n {
		if s.drawPos >= len(s.drawOrder) {
			s.rebuildDrawOrderLocked()
		}
		idx := s.drawOrder[s.drawPos]
		s.drawPos++
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, s.entries[idx])
	}
	return out
}

// rebuildDrawOrderLocked interleaves shuffled per-file index queues
// round-robin, so consecutive draws spread across source files.
func (s *Store) rebuildDrawOrderLocked() {
	byFile := make(map[string][]int)
	var files []string
	for idx, ref := range s.sources {
		if _, ok := byFile[ref.path]; !ok {
			files = append(files, ref.path)
		}
		byFile[ref.path] = append(byFile[ref.path], idx)
	}

	for _, path := range files {
		q := byFile[path]
		s.rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	}
	s.rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

	order := make([]int, 0, len(s.entries))
	for len(order) < len(s.entries) {
		for _, path := range files {
			q := byFile[path]
			if len(q) == 0 {
				continue
			}
			order = append(order, q[0])
			byFile[path] = q[1:]
		}
	}

	s.drawOrder = order
	s.drawPos = 0
}
