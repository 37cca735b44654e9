package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"faithful/internal/tools"
)

type gemini struct {
	client *genai.Client
	model  string
	exec   *tools.Executor
}

func newGemini(opts Options) (*gemini, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini backend: api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("gemini backend: model is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     strings.TrimSpace(opts.APIKey),
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &gemini{client: client, model: strings.TrimSpace(opts.Model), exec: opts.Executor}, nil
}

func (g *gemini) Name() string { return "gemini" }

func (g *gemini) Configure([]string) error { return nil }

func (g *gemini) Generate(ctx context.Context, req Request) (string, error) {
	s := &geminiSession{
		client:      g.client,
		model:       g.model,
		system:      req.System,
		temperature: req.Temperature,
		maxTokens:   req.MaxTokens,
		contents:    buildGeminiContents(req),
	}
	if len(req.Images) > 0 {
		s.hasImages = true
		s.imageIndex = len(s.contents) - 1
		s.imageText = finalUserText(req)
	}

	if req.NoTools || g.exec == nil {
		text, _, err := s.Call(ctx, nil)
		return text, err
	}

	// Gemini searches natively, so the client-side web_search tool is
	// dropped. When no function tools remain, one grounded call suffices;
	// grounding cannot ride along with function declarations.
	defs := withoutWebSearch(g.exec.Definitions())
	if len(defs) == 0 {
		s.groundSearch = g.exec.SearchEnabled()
		text, _, err := s.Call(ctx, nil)
		return text, err
	}
	return runToolLoop(ctx, "[gemini]", s, g.exec, req.Env, defs)
}

func withoutWebSearch(defs []tools.Definition) []tools.Definition {
	out := defs[:0:0]
	for _, d := range defs {
		if d.Name != "web_search" {
			out = append(out, d)
		}
	}
	return out
}

func buildGeminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, 1+len(req.History))
	for _, turn := range req.History {
		var role genai.Role = genai.RoleUser
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}

	var parts []*genai.Part
	if text := finalUserText(req); text != "" {
		parts = append(parts, genai.NewPartFromText(text))
	}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIME))
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	return contents
}

type geminiSession struct {
	client      *genai.Client
	model       string
	system      string
	temperature float64
	maxTokens   int
	contents    []*genai.Content

	// groundSearch turns on server-side search grounding for plain calls.
	groundSearch bool

	// Image bytes ride along on the first call only; later rounds of a
	// tool loop replace the multimodal content with its text.
	hasImages  bool
	imageIndex int
	imageText  string
	calledOnce bool
}

// pruneImages swaps the multimodal content for its text once the first call
// has gone out, so tool rounds do not re-upload the bytes.
func (s *geminiSession) pruneImages() {
	if !s.hasImages {
		return
	}
	s.contents[s.imageIndex] = genai.NewContentFromText(s.imageText, genai.RoleUser)
	s.hasImages = false
}

func (s *geminiSession) Call(ctx context.Context, defs []tools.Definition) (string, []tools.Call, error) {
	if s.calledOnce {
		s.pruneImages()
	}
	s.calledOnce = true

	cfg := &genai.GenerateContentConfig{}
	if sys := strings.TrimSpace(s.system); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if s.temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(s.temperature))
	}
	if s.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(s.maxTokens)
	}
	if len(defs) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiFunctions(defs)}}
	} else if s.groundSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := s.client.Models.GenerateContent(ctx, s.model, s.contents, cfg)
	if err != nil {
		return "", nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil, fmt.Errorf("empty candidates from model")
	}

	content := resp.Candidates[0].Content
	var text strings.Builder
	var calls []tools.Call
	for _, part := range content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			args, _ := json.Marshal(fc.Args)
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Arguments: string(args)})
		}
	}

	if len(calls) > 0 {
		s.contents = append(s.contents, content)
	}
	return text.String(), calls, nil
}

func (s *geminiSession) AppendResult(call tools.Call, result string) {
	var response map[string]any
	if err := json.Unmarshal([]byte(result), &response); err != nil {
		response = map[string]any{"result": result}
	}
	s.contents = append(s.contents, &genai.Content{
		Role: string(genai.RoleUser),
		Parts: []*genai.Part{{
			FunctionResponse: &genai.FunctionResponse{ID: call.ID, Name: call.Name, Response: response},
		}},
	})
}

func toGeminiFunctions(defs []tools.Definition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(d.Parameters),
		})
	}
	return out
}

// toGeminiSchema converts the JSON-schema maps our tools declare. Only the
// object/string subset those declarations actually use is handled.
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{Type: genai.TypeObject}

	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop := &genai.Schema{Type: genai.TypeString}
			if pm, ok := raw.(map[string]any); ok {
				if desc, ok := pm["description"].(string); ok {
					prop.Description = desc
				}
			}
			schema.Properties[name] = prop
		}
	}
	if required, ok := m["required"].([]string); ok {
		schema.Required = required
	}
	return schema
}
