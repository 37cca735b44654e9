package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"faithful/internal/tools"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	anthropicMaxTokens   = 1024
)

// anthropic talks to the Messages API directly. The API requires strict
// user/assistant alternation, so consecutive same-role turns get merged.
type anthropic struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	exec       *tools.Executor
}

func newAnthropic(opts Options) (*anthropic, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("anthropic backend: api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("anthropic backend: model is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = anthropicDefaultBase
	}
	return &anthropic{
		httpClient: httpClient,
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      strings.TrimSpace(opts.Model),
		exec:       opts.Executor,
	}, nil
}

func (a *anthropic) Name() string { return "anthropic" }

// Configure is a no-op: the corpus reaches the model through the system
// prompt, not through backend state.
func (a *anthropic) Configure([]string) error { return nil }

type anthropicContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropic) Generate(ctx context.Context, req Request) (string, error) {
	s := &anthropicSession{
		backend:     a,
		system:      req.System,
		temperature: req.Temperature,
		maxTokens:   req.MaxTokens,
		messages:    buildAnthropicMessages(req),
	}
	if len(req.Images) > 0 {
		s.hasImages = true
		s.imageIndex = len(s.messages) - 1
	}

	if req.NoTools || a.exec == nil {
		text, _, err := s.Call(ctx, nil)
		return text, err
	}
	return runToolLoop(ctx, "[anthropic]", s, a.exec, req.Env, a.exec.Definitions())
}

// buildAnthropicMessages renders history plus the prompt, merging
// consecutive same-role turns to satisfy the alternation requirement.
func buildAnthropicMessages(req Request) []anthropicMessage {
	var messages []anthropicMessage
	appendText := func(role, text string) {
		if text == "" {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			last := &messages[n-1]
			for i := range last.Content {
				if last.Content[i].Type == "text" {
					last.Content[i].Text += "\n" + text
					return
				}
			}
			last.Content = append(last.Content, anthropicContentBlock{Type: "text", Text: text})
			return
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: []anthropicContentBlock{{Type: "text", Text: text}},
		})
	}

	for _, turn := range req.History {
		role := "user"
		if turn.Role == "assistant" {
			role = "assistant"
		}
		appendText(role, turn.Content)
	}
	appendText("user", finalUserText(req))

	if len(req.Images) > 0 {
		if n := len(messages); n == 0 || messages[n-1].Role != "user" {
			messages = append(messages, anthropicMessage{Role: "user"})
		}
		last := &messages[len(messages)-1]
		for _, img := range req.Images {
			last.Content = append(last.Content, anthropicContentBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: img.MIME,
					Data:      base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
	}

	// The API rejects a conversation that does not start with a user turn.
	if len(messages) > 0 && messages[0].Role != "user" {
		messages = append([]anthropicMessage{{
			Role:    "user",
			Content: []anthropicContentBlock{{Type: "text", Text: "(conversation already in progress)"}},
		}}, messages...)
	}
	return messages
}

type anthropicSession struct {
	backend     *anthropic
	system      string
	temperature float64
	maxTokens   int
	messages    []anthropicMessage

	// Image blocks ride along on the first call only; later rounds of a
	// tool loop drop them from the retained turn.
	hasImages  bool
	imageIndex int
	calledOnce bool
}

func (s *anthropicSession) Call(ctx context.Context, defs []tools.Definition) (string, []tools.Call, error) {
	if s.calledOnce && s.hasImages {
		msg := &s.messages[s.imageIndex]
		kept := msg.Content[:0:0]
		for _, block := range msg.Content {
			if block.Type != "image" {
				kept = append(kept, block)
			}
		}
		if len(kept) == 0 {
			// A user turn may not be empty.
			kept = append(kept, anthropicContentBlock{Type: "text", Text: "(image omitted)"})
		}
		msg.Content = kept
		s.hasImages = false
	}
	s.calledOnce = true

	maxTokens := s.maxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	payload := anthropicRequest{
		Model:     s.backend.model,
		MaxTokens: maxTokens,
		System:    strings.TrimSpace(s.system),
		Messages:  s.messages,
	}
	if s.temperature > 0 {
		t := s.temperature
		payload.Temperature = &t
	}
	for _, d := range defs {
		payload.Tools = append(payload.Tools, anthropicTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backend.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.backend.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := s.backend.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4*1024*1024))
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", nil, fmt.Errorf("anthropic status=%d: %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return "", nil, fmt.Errorf("anthropic status=%d: %s", httpResp.StatusCode, msg)
	}

	var text strings.Builder
	var calls []tools.Call
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			calls = append(calls, tools.Call{ID: block.ID, Name: block.Name, Arguments: string(block.Input)})
		}
	}

	if len(calls) > 0 {
		s.messages = append(s.messages, anthropicMessage{Role: "assistant", Content: resp.Content})
	}
	return text.String(), calls, nil
}

func (s *anthropicSession) AppendResult(call tools.Call, result string) {
	// Consecutive tool results share one user turn, as the API expects.
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == "user" && len(s.messages[n-1].Content) > 0 && s.messages[n-1].Content[0].Type == "tool_result" {
		s.messages[n-1].Content = append(s.messages[n-1].Content, anthropicContentBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   result,
		})
		return
	}
	s.messages = append(s.messages, anthropicMessage{
		Role: "user",
		Content: []anthropicContentBlock{{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   result,
		}},
	})
}
