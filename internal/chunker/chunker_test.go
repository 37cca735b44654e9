package chunker

import (
	"strings"
	"testing"
)

func TestExtractReactions(t *testing.T) {
	text, reactions := ExtractReactions("sounds good [react: 👍] see you then [react: tada ]")
	if text != "sounds good  see you then" && text != "sounds good see you then" {
		t.Fatalf("clean text = %q", text)
	}
	if len(reactions) != 2 || reactions[0] != "👍" || reactions[1] != "tada" {
		t.Fatalf("reactions = %v", reactions)
	}
}

func TestExtractReactionsNoTags(t *testing.T) {
	text, reactions := ExtractReactions("plain reply")
	if text != "plain reply" || len(reactions) != 0 {
		t.Fatalf("got %q %v", text, reactions)
	}
}

func TestExtractReactionsOnlyTag(t *testing.T) {
	text, reactions := ExtractReactions("[react: heart]")
	if text != "" {
		t.Fatalf("clean text = %q, want empty", text)
	}
	if len(reactions) != 1 || reactions[0] != "heart" {
		t.Fatalf("reactions = %v", reactions)
	}
}

func TestSplitShortText(t *testing.T) {
	got := Split("hello world")
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("Split = %v", got)
	}
	if got := Split("   "); got != nil {
		t.Fatalf("Split(blank) = %v", got)
	}
}

func TestSplitOneFragmentPerLine(t *testing.T) {
	got := Split("first paragraph\nsecond paragraph\n\nthird")
	want := []string{"first paragraph", "second paragraph", "third"}
	if len(got) != len(want) {
		t.Fatalf("Split = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Split = %v, want %v", got, want)
		}
	}
	for _, c := range got {
		if strings.Contains(c, "\n") {
			t.Fatalf("fragment carries a newline: %q", c)
		}
	}
}

func TestSplitLongLineStillCut(t *testing.T) {
	long := strings.Repeat("word ", 500) // 2500 runes on one line
	got := Split("short\n" + strings.TrimSpace(long))
	if len(got) < 3 {
		t.Fatalf("Split = %d fragments, want the short line plus cuts", len(got))
	}
	if got[0] != "short" {
		t.Fatalf("first fragment = %q", got[0])
	}
	for i, c := range got {
		if len([]rune(c)) > MaxChunkLen {
			t.Fatalf("fragment %d is %d runes", i, len([]rune(c)))
		}
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	first := strings.Repeat("a", 1000) + ". "
	second := strings.Repeat("b", 1500)
	got := Split(first + second)
	if len(got) != 2 {
		t.Fatalf("Split = %d chunks, want 2", len(got))
	}
	if !strings.HasSuffix(got[0], ".") {
		t.Fatalf("first chunk does not end at sentence: %q", got[0][len(got[0])-10:])
	}
	if got[1] != second {
		t.Fatalf("second chunk = %d runes, want %d", len(got[1]), len(second))
	}
}

func TestSplitFallsBackToSpace(t *testing.T) {
	words := strings.Repeat("word ", 500) // 2500 runes, no sentence ends
	got := Split(words)
	for i, c := range got {
		if len([]rune(c)) > MaxChunkLen {
			t.Fatalf("chunk %d is %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
			t.Fatalf("chunk %d has edge whitespace", i)
		}
	}
	for _, c := range got {
		for _, w := range strings.Fields(c) {
			if w != "word" {
				t.Fatalf("mid-word cut produced %q", w)
			}
		}
	}
}

func TestSplitHardCutsUnbrokenRun(t *testing.T) {
	text := strings.Repeat("x", 4500)
	got := Split(text)
	if len(got) != 3 {
		t.Fatalf("Split = %d chunks, want 3", len(got))
	}
	total := 0
	for i, c := range got {
		if len([]rune(c)) > MaxChunkLen {
			t.Fatalf("chunk %d is %d runes", i, len([]rune(c)))
		}
		total += len([]rune(c))
	}
	if total != 4500 {
		t.Fatalf("lost content: %d runes total", total)
	}
}

func TestSplitEveryChunkWithinLimit(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	for _, c := range Split(text) {
		if n := len([]rune(c)); n > MaxChunkLen {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
	}
}
