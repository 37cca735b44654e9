package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"faithful/internal/tools"
)

// openAI speaks the Chat Completions API. A custom BaseURL points it at any
// OpenAI-compatible server, which is how most self-hosted gateways are used.
type openAI struct {
	client openaigo.Client
	model  string
	exec   *tools.Executor
}

func newOpenAI(opts Options) (*openAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("openai backend: api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("openai backend: model is required")
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(opts.APIKey)),
		option.WithMaxRetries(2),
	}
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(base))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	return &openAI{
		client: openaigo.NewClient(clientOpts...),
		model:  strings.TrimSpace(opts.Model),
		exec:   opts.Executor,
	}, nil
}

func (o *openAI) Name() string { return "openai" }

func (o *openAI) Configure([]string) error { return nil }

func (o *openAI) Generate(ctx context.Context, req Request) (string, error) {
	s := &openAISession{
		client:      o.client,
		model:       o.model,
		temperature: req.Temperature,
		maxTokens:   req.MaxTokens,
		messages:    buildOpenAIMessages(req),
	}
	if len(req.Images) > 0 {
		s.hasImages = true
		s.imageMsgIndex = len(s.messages) - 1
		s.imageMsgText = finalUserText(req)
	}

	if req.NoTools || o.exec == nil {
		text, _, err := s.Call(ctx, nil)
		return text, err
	}
	return runToolLoop(ctx, "[openai]", s, o.exec, req.Env, o.exec.Definitions())
}

func buildOpenAIMessages(req Request) []openaigo.ChatCompletionMessageParamUnion {
	messages := make([]openaigo.ChatCompletionMessageParamUnion, 0, 2+len(req.History))
	if sys := strings.TrimSpace(req.System); sys != "" {
		messages = append(messages, openaigo.SystemMessage(sys))
	}
	for _, turn := range req.History {
		if turn.Role == "assistant" {
			messages = append(messages, openaigo.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openaigo.UserMessage(turn.Content))
		}
	}

	if len(req.Images) == 0 {
		return append(messages, openaigo.UserMessage(finalUserText(req)))
	}

	parts := make([]openaigo.ChatCompletionContentPartUnionParam, 0, 1+len(req.Images))
	parts = append(parts, openaigo.TextContentPart(finalUserText(req)))
	for _, img := range req.Images {
		dataURL := "data:" + img.MIME + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		parts = append(parts, openaigo.ImageContentPart(openaigo.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL,
		}))
	}
	return append(messages, openaigo.UserMessage(parts))
}

type openAISession struct {
	client      openaigo.Client
	model       string
	temperature float64
	maxTokens   int
	messages    []openaigo.ChatCompletionMessageParamUnion

	// Image parts only go up on the first call; later rounds replace the
	// multimodal message with its text to keep payloads small.
	hasImages     bool
	imageMsgIndex int
	imageMsgText  string
	calledOnce    bool
}

func (s *openAISession) Call(ctx context.Context, defs []tools.Definition) (string, []tools.Call, error) {
	if s.calledOnce && s.hasImages {
		s.messages[s.imageMsgIndex] = openaigo.UserMessage(s.imageMsgText)
		s.hasImages = false
	}
	s.calledOnce = true

	params := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(s.model),
		Messages: s.messages,
	}
	if s.temperature > 0 {
		params.Temperature = openaigo.Float(s.temperature)
	}
	if s.maxTokens > 0 {
		params.MaxTokens = openaigo.Int(int64(s.maxTokens))
	}
	if len(defs) > 0 {
		params.Tools = toOpenAITools(defs)
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("empty choices from model")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return msg.Content, nil, nil
	}

	s.messages = append(s.messages, msg.ToParam())
	var calls []tools.Call
	for _, tc := range msg.ToolCalls {
		if strings.TrimSpace(tc.Type) != "function" {
			s.messages = append(s.messages, openaigo.ToolMessage(`{"error": "unsupported tool call type"}`, tc.ID))
			continue
		}
		fn := tc.AsFunction()
		calls = append(calls, tools.Call{
			ID:        tc.ID,
			Name:      strings.TrimSpace(fn.Function.Name),
			Arguments: fn.Function.Arguments,
		})
	}
	return msg.Content, calls, nil
}

func (s *openAISession) AppendResult(call tools.Call, result string) {
	s.messages = append(s.messages, openaigo.ToolMessage(result, call.ID))
}

func toOpenAITools(defs []tools.Definition) []openaigo.ChatCompletionToolUnionParam {
	out := make([]openaigo.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		out = append(out, openaigo.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        d.Name,
			Description: param.NewOpt(d.Description),
			Parameters:  shared.FunctionParameters(d.Parameters),
		}))
	}
	return out
}
