package backend

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	markovOrder    = 2
	markovMaxWords = 40
)

// markov is the no-API fallback: a small word chain trained on the persona
// corpus itself. Replies are nonsense-adjacent but in voice, which is all
// this mode promises.
type markov struct {
	mu     sync.Mutex
	rng    *rand.Rand
	chain  map[string][]string
	starts []string
}

func newMarkov(corpus CorpusSampler) *markov {
	m := &markov{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	m.train(corpus.List())
	return m
}

func (m *markov) Name() string { return "markov" }

// Configure retrains the chain, so corpus edits take effect on the next
// generation.
func (m *markov) Configure(examples []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.train(examples)
	return nil
}

func (m *markov) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.starts) == 0 {
		return "", fmt.Errorf("markov backend: corpus is empty")
	}
	return m.walk(req.Prompt), nil
}

func (m *markov) train(lines []string) {
	m.chain = make(map[string][]string)
	m.starts = m.starts[:0]

	for _, line := range lines {
		words := strings.Fields(line)
		if len(words) <= markovOrder {
			continue
		}
		m.starts = append(m.starts, strings.Join(words[:markovOrder], " "))
		for i := 0; i+markovOrder < len(words); i++ {
			key := strings.Join(words[i:i+markovOrder], " ")
			m.chain[key] = append(m.chain[key], words[i+markovOrder])
		}
	}
}

func (m *markov) walk(prompt string) string {
	if len(m.starts) == 0 {
		return ""
	}

	key := m.seed(prompt)
	if key == "" {
		key = m.starts[m.rng.Intn(len(m.starts))]
	}
	words := strings.Fields(key)
	for len(words) < markovMaxWords {
		next, ok := m.chain[key]
		if !ok || len(next) == 0 {
			break
		}
		word := next[m.rng.Intn(len(next))]
		words = append(words, word)
		key = strings.Join(words[len(words)-markovOrder:], " ")
	}
	return strings.Join(words, " ")
}

// seed picks a start sharing a word with the prompt, so replies loosely
// track the conversation instead of opening at random.
func (m *markov) seed(prompt string) string {
	words := strings.Fields(prompt)
	m.rng.Shuffle(len(words), func(i, j int) { words[i], words[j] = words[j], words[i] })

	for _, w := range words {
		var matches []string
		for _, start := range m.starts {
			first, _, _ := strings.Cut(start, " ")
			if strings.EqualFold(first, w) {
				matches = append(matches, start)
			}
		}
		if len(matches) > 0 {
			return matches[m.rng.Intn(len(matches))]
		}
	}
	return ""
}
