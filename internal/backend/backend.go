// Package backend abstracts text generation over interchangeable providers.
// Every provider gets the same request shape and runs the same bounded tool
// loop; swapping providers is a config change, not a code change.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"faithful/internal/tools"
)

// Turn is one prior message in the conversation. User turns carry the
// speaker name already rendered into Content.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Image is an encoded attachment going to a vision-capable model.
type Image struct {
	MIME string
	Data []byte
}

// Request is everything a provider needs for one generation.
type Request struct {
	System  string
	History []Turn
	Prompt  string
	Images  []Image

	// NoTools forces a plain completion, used for reaction picks where a
	// tool round-trip would be wasted.
	NoTools bool

	Env         tools.CallEnv
	Temperature float64
	MaxTokens   int
}

type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)

	// Configure hands the backend the current corpus examples. The markov
	// backend retrains on them; API providers have nothing to rebuild and
	// no-op. Called after every corpus edit and backend switch.
	Configure(examples []string) error
}

// spontaneousPrompt stands in for the trailing user turn when a request has
// no prompt message, as with scheduler-triggered generations.
const spontaneousPrompt = "Say something spontaneous, in character. Start a conversation."

// finalUserText resolves the trailing user turn: the prompt when present, an
// empty turn when only images ride along, the spontaneous instruction
// otherwise.
func finalUserText(req Request) string {
	if strings.TrimSpace(req.Prompt) != "" {
		return req.Prompt
	}
	if len(req.Images) > 0 {
		return ""
	}
	return spontaneousPrompt
}

// Options carries the shared collaborators every provider construction needs.
type Options struct {
	HTTPClient *http.Client
	Executor   *tools.Executor

	APIKey  string
	BaseURL string
	Model   string
}

// CorpusSampler feeds the markov backend its training text.
type CorpusSampler interface {
	List() []string
}

// New constructs the named backend. The markov backend needs a corpus and
// takes no credentials; everything else wants at least a model name.
func New(name string, opts Options, corpus CorpusSampler) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return newOpenAI(opts)
	case "gemini":
		return newGemini(opts)
	case "anthropic":
		return newAnthropic(opts)
	case "ollama":
		return newOllama(opts)
	case "markov":
		if corpus == nil {
			return nil, fmt.Errorf("markov backend needs a corpus")
		}
		return newMarkov(corpus), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
