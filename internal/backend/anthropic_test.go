package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"faithful/internal/memory"
	"faithful/internal/tools"
)

func TestBuildAnthropicMessagesMergesRoles(t *testing.T) {
	req := Request{
		History: []Turn{
			{Role: "user", Content: "alice: hi"},
			{Role: "user", Content: "bob: hello"},
			{Role: "assistant", Content: "hey both"},
			{Role: "assistant", Content: "what's up"},
		},
		Prompt: "alice: nothing much",
	}
	msgs := buildAnthropicMessages(req)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (merged)", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Fatalf("roles = %s/%s/%s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if msgs[0].Content[0].Text != "alice: hi\nbob: hello" {
		t.Fatalf("merged text = %q", msgs[0].Content[0].Text)
	}
}

func TestBuildAnthropicMessagesLeadingAssistant(t *testing.T) {
	req := Request{
		History: []Turn{{Role: "assistant", Content: "earlier reply"}},
		Prompt:  "new question",
	}
	msgs := buildAnthropicMessages(req)
	if msgs[0].Role != "user" {
		t.Fatalf("first role = %s, conversation must open with user", msgs[0].Role)
	}
}

func TestAnthropicGenerateRoundTrip(t *testing.T) {
	var gotBody anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContentBlock{{Type: "text", Text: "hello there"}},
		})
	}))
	defer srv.Close()

	b, err := newAnthropic(Options{
		HTTPClient: srv.Client(),
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "claude-test",
	})
	if err != nil {
		t.Fatalf("newAnthropic: %v", err)
	}

	out, err := b.Generate(context.Background(), Request{
		System:      "be brief",
		Prompt:      "hi",
		NoTools:     true,
		Temperature: 0.8,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("out = %q", out)
	}
	if gotBody.System != "be brief" || gotBody.MaxTokens != 256 {
		t.Fatalf("request body = %+v", gotBody)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.8 {
		t.Fatalf("temperature = %v", gotBody.Temperature)
	}
	if len(gotBody.Tools) != 0 {
		t.Fatalf("NoTools request carried %d tools", len(gotBody.Tools))
	}
}

func TestAnthropicDropsImagesAfterFirstRound(t *testing.T) {
	var requests []anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req)

		var resp anthropicResponse
		if len(requests) == 1 {
			resp.Content = []anthropicContentBlock{{
				Type:  "tool_use",
				ID:    "toolu_1",
				Name:  "remember_channel",
				Input: json.RawMessage(`{"fact": "pizza friday"}`),
			}}
		} else {
			resp.Content = []anthropicContentBlock{{Type: "text", Text: "that's pizza"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	mem, err := memory.Open(filepath.Join(t.TempDir(), "memories"))
	if err != nil {
		t.Fatal(err)
	}
	exec := tools.NewExecutor(mem, nil, false, true)

	b, err := newAnthropic(Options{
		HTTPClient: srv.Client(),
		BaseURL:    srv.URL,
		APIKey:     "k",
		Model:      "claude-test",
		Executor:   exec,
	})
	if err != nil {
		t.Fatalf("newAnthropic: %v", err)
	}

	_, err = b.Generate(context.Background(), Request{
		Prompt: "what is in this picture",
		Images: []Image{{MIME: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}},
		Env:    tools.CallEnv{ChannelID: 9},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("made %d requests, want 2", len(requests))
	}

	imageBlocks := func(msgs []anthropicMessage) int {
		n := 0
		for _, m := range msgs {
			for _, block := range m.Content {
				if block.Type == "image" {
					n++
				}
			}
		}
		return n
	}
	if imageBlocks(requests[0].Messages) != 1 {
		t.Fatal("first round did not carry the image block")
	}
	if imageBlocks(requests[1].Messages) != 0 {
		t.Fatal("second round re-sent the image block")
	}
}

func TestAnthropicSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "bad model"}}`))
	}))
	defer srv.Close()

	b, err := newAnthropic(Options{HTTPClient: srv.Client(), BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("newAnthropic: %v", err)
	}
	if _, err := b.Generate(context.Background(), Request{Prompt: "hi", NoTools: true}); err == nil {
		t.Fatal("API error not surfaced")
	}
}
