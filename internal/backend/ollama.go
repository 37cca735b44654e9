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

const ollamaDefaultBase = "http://localhost:11434"

// ollama drives a local model through the /api/chat endpoint. No key, and
// tool support depends entirely on the loaded model.
type ollama struct {
	httpClient *http.Client
	baseURL    string
	model      string
	exec       *tools.Executor
}

func newOllama(opts Options) (*ollama, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("ollama backend: model is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = ollamaDefaultBase
	}
	return &ollama{
		httpClient: httpClient,
		baseURL:    base,
		model:      strings.TrimSpace(opts.Model),
		exec:       opts.Executor,
	}, nil
}

func (o *ollama) Name() string { return "ollama" }

func (o *ollama) Configure([]string) error { return nil }

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

func (o *ollama) Generate(ctx context.Context, req Request) (string, error) {
	s := &ollamaSession{
		backend:     o,
		temperature: req.Temperature,
		maxTokens:   req.MaxTokens,
		messages:    buildOllamaMessages(req),
	}
	if len(req.Images) > 0 {
		s.hasImages = true
		s.imageIndex = len(s.messages) - 1
	}

	if req.NoTools || o.exec == nil {
		text, _, err := s.Call(ctx, nil)
		return text, err
	}
	return runToolLoop(ctx, "[ollama]", s, o.exec, req.Env, o.exec.Definitions())
}

func buildOllamaMessages(req Request) []ollamaMessage {
	messages := make([]ollamaMessage, 0, 2+len(req.History))
	if sys := strings.TrimSpace(req.System); sys != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: sys})
	}
	for _, turn := range req.History {
		role := "user"
		if turn.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, ollamaMessage{Role: role, Content: turn.Content})
	}

	last := ollamaMessage{Role: "user", Content: finalUserText(req)}
	for _, img := range req.Images {
		last.Images = append(last.Images, base64.StdEncoding.EncodeToString(img.Data))
	}
	return append(messages, last)
}

type ollamaSession struct {
	backend     *ollama
	temperature float64
	maxTokens   int
	messages    []ollamaMessage
	// The API carries no call IDs, so results are matched by order.
	callSeq int

	// Image bytes ride along on the first call only; later rounds of a
	// tool loop drop them from the retained message.
	hasImages  bool
	imageIndex int
	calledOnce bool
}

func (s *ollamaSession) Call(ctx context.Context, defs []tools.Definition) (string, []tools.Call, error) {
	if s.calledOnce && s.hasImages {
		s.messages[s.imageIndex].Images = nil
		s.hasImages = false
	}
	s.calledOnce = true

	payload := ollamaRequest{
		Model:    s.backend.model,
		Messages: s.messages,
		Stream:   false,
	}
	opts := map[string]any{}
	if s.temperature > 0 {
		opts["temperature"] = s.temperature
	}
	if s.maxTokens > 0 {
		opts["num_predict"] = s.maxTokens
	}
	if len(opts) > 0 {
		payload.Options = opts
	}
	for _, d := range defs {
		var t ollamaTool
		t.Type = "function"
		t.Function.Name = d.Name
		t.Function.Description = d.Description
		t.Function.Parameters = d.Parameters
		payload.Tools = append(payload.Tools, t)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backend.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.backend.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4*1024*1024))
	var resp ollamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", nil, fmt.Errorf("ollama status=%d: %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", nil, fmt.Errorf("ollama status=%d: %s", httpResp.StatusCode, msg)
	}

	if len(resp.Message.ToolCalls) == 0 {
		return resp.Message.Content, nil, nil
	}

	s.messages = append(s.messages, resp.Message)
	var calls []tools.Call
	for _, tc := range resp.Message.ToolCalls {
		args, _ := json.Marshal(tc.Function.Arguments)
		s.callSeq++
		calls = append(calls, tools.Call{
			ID:        fmt.Sprintf("call-%d", s.callSeq),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return resp.Message.Content, calls, nil
}

func (s *ollamaSession) AppendResult(call tools.Call, result string) {
	s.messages = append(s.messages, ollamaMessage{Role: "tool", Content: result})
}
