// Package chunker turns one generated reply into platform-sized messages:
// it extracts reaction tags, splits long text at natural boundaries and
// paces delivery with typing indicators.
package chunker

import (
	"regexp"
	"strings"
)

const (
	// MaxChunkLen is the hard per-message limit enforced by the platform.
	MaxChunkLen = 2000
	// softLimit is where we start looking for a natural break, leaving
	// headroom so a sentence never lands exactly on the hard limit.
	softLimit = 1900
)

var reactRe = regexp.MustCompile(`\[react:\s*([^\]]+)\]`)

// ExtractReactions removes every [react: X] tag from text and returns the
// cleaned text plus the reaction emojis in order of appearance.
func ExtractReactions(text string) (string, []string) {
	var reactions []string
	clean := reactRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := reactRe.FindStringSubmatch(m)
		if r := strings.TrimSpace(sub[1]); r != "" {
			reactions = append(reactions, r)
		}
		return ""
	})
	return strings.TrimSpace(clean), reactions
}

// Split breaks text into platform messages: one message per non-empty line
// (the persona writes line breaks to separate messages), with any line over
// MaxChunkLen runes cut further. Each cut prefers the last sentence end
// within the soft limit, then the last space, and only hard-cuts when a
// single token exceeds the hard limit.
func Split(text string) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		chunks = append(chunks, splitOversized(line)...)
	}
	return chunks
}

func splitOversized(text string) []string {
	var chunks []string
	rest := []rune(text)
	for len(rest) > MaxChunkLen {
		cut := findCut(rest)
		chunk := strings.TrimSpace(string(rest[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = []rune(strings.TrimLeft(string(rest[cut:]), " \t\n"))
	}
	if tail := strings.TrimSpace(string(rest)); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

func findCut(r []rune) int {
	limit := softLimit
	if limit > len(r) {
		limit = len(r)
	}

	// Sentence boundary: the rune after ./!/? is a space.
	for i := limit - 1; i > 0; i-- {
		if r[i] == ' ' && (r[i-1] == '.' || r[i-1] == '!' || r[i-1] == '?') {
			return i
		}
	}
	for i := limit - 1; i > 0; i-- {
		if r[i] == ' ' {
			return i
		}
	}
	return MaxChunkLen
}
