// Package tools defines the function-calling surface exposed to the model
// and executes calls against the bot's own collaborators. Results are always
// a JSON string, errors included, so the model can read what went wrong.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"faithful/internal/memory"
	"faithful/internal/util"
)

const logPrefix = "[tools]"

// Definition is a provider-neutral tool schema; each backend translates it
// into its own wire format.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Call is one function call requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// CallEnv carries where the call happened and who is in the conversation.
// The model only ever sees display names, so remember_user resolves them
// back to IDs through Participants.
type CallEnv struct {
	ChannelID    int64
	Participants map[int64]string
}

// Searcher is implemented by WebSearch; tests substitute a stub.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

type Executor struct {
	memory *memory.Store
	search Searcher

	enableSearch bool
	enableMemory bool
}

func NewExecutor(mem *memory.Store, search Searcher, enableSearch, enableMemory bool) *Executor {
	return &Executor{
		memory:       mem,
		search:       search,
		enableSearch: enableSearch && search != nil,
		enableMemory: enableMemory && mem != nil,
	}
}

// SearchEnabled reports whether the client-side web search tool is active.
// Backends with a native search capability use this to swap it out.
func (e *Executor) SearchEnabled() bool { return e.enableSearch }

// Definitions returns the tools currently enabled by configuration.
func (e *Executor) Definitions() []Definition {
	var defs []Definition
	if e.enableSearch {
		defs = append(defs, Definition{
			Name:        "web_search",
			Description: "Search the web for current information. Use for anything you are not sure about or that may have changed recently.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
				},
				"required": []string{"query"},
			},
		})
	}
	if e.enableMemory {
		defs = append(defs,
			Definition{
				Name:        "remember_user",
				Description: "Store a lasting fact about a user. Use when someone shares something worth remembering about themselves or another person.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"user_name": map[string]any{
							"type":        "string",
							"description": "Display name of the user the fact is about, as shown in the conversation",
						},
						"fact": map[string]any{
							"type":        "string",
							"description": "The fact to remember, one short sentence",
						},
					},
					"required": []string{"user_name", "fact"},
				},
			},
			Definition{
				Name:        "remember_channel",
				Description: "Store a lasting fact about the current channel, like its topic or running jokes.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"fact": map[string]any{
							"type":        "string",
							"description": "The fact to remember, one short sentence",
						},
					},
					"required": []string{"fact"},
				},
			},
		)
	}
	return defs
}

// Execute runs one call and returns the result as a JSON string. Unknown
// tools and failures come back as {"error": ...} rather than an error value,
// so the loop always has something to hand back to the model.
func (e *Executor) Execute(ctx context.Context, call Call, env CallEnv) string {
	log.Printf("%s %s(%s)", logPrefix, call.Name, util.PreviewString(call.Arguments, 120))

	switch call.Name {
	case "web_search":
		return e.execSearch(ctx, call.Arguments)
	case "remember_user":
		return e.execRememberUser(call.Arguments, env)
	case "remember_channel":
		return e.execRememberChannel(call.Arguments, env)
	default:
		return errResult(fmt.Sprintf("unknown tool %q", call.Name))
	}
}

func (e *Executor) execSearch(ctx context.Context, args string) string {
	if !e.enableSearch {
		return errResult("web search is disabled")
	}
	query := stringArg(decodeArgs(args), "query")
	if query == "" {
		return errResult("empty search query")
	}
	results, err := e.search.Search(ctx, query)
	if err != nil {
		return errResult("search failed: " + err.Error())
	}
	if len(results) == 0 {
		return okResult(map[string]any{"results": []SearchResult{}, "note": "no results found"})
	}
	return okResult(map[string]any{"results": results})
}

func (e *Executor) execRememberUser(args string, env CallEnv) string {
	if !e.enableMemory {
		return errResult("memory is disabled")
	}
	parsed := decodeArgs(args)
	name := strings.TrimSpace(stringArg(parsed, "user_name"))
	fact := stringArg(parsed, "fact")
	if name == "" || fact == "" {
		return errResult("both user_name and fact are required")
	}

	targetID := int64(0)
	for id, n := range env.Participants {
		if strings.EqualFold(n, name) {
			targetID = id
			break
		}
	}
	if targetID == 0 {
		return errResult(fmt.Sprintf("no user named %q in this conversation", name))
	}

	if err := e.memory.RememberUser(targetID, name, fact); err != nil {
		return errResult(err.Error())
	}
	return okResult(map[string]any{"remembered": fact, "about": name})
}

func (e *Executor) execRememberChannel(args string, env CallEnv) string {
	if !e.enableMemory {
		return errResult("memory is disabled")
	}
	fact := stringArg(decodeArgs(args), "fact")
	if env.ChannelID == 0 {
		return errResult("no channel to remember this about")
	}
	if err := e.memory.RememberChannel(env.ChannelID, fact); err != nil {
		return errResult(err.Error())
	}
	return okResult(map[string]any{"remembered": fact})
}

// decodeArgs tolerates the argument shapes providers actually produce: a
// JSON object, a JSON-encoded string holding an object, or garbage. Malformed
// input degrades to empty arguments instead of failing the tool round.
func decodeArgs(args string) map[string]any {
	args = strings.TrimSpace(args)
	if args == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err == nil {
		return m
	}
	var s string
	if err := json.Unmarshal([]byte(args), &s); err == nil {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return map[string]any{}
}

func stringArg(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

func okResult(v map[string]any) string {
	v["status"] = "ok"
	b, err := json.Marshal(v)
	if err != nil {
		return errResult("result encoding failed")
	}
	return string(b)
}

func errResult(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
