package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// API is the platform surface the rest of the bot talks to. The REST client
// implements it; tests substitute fakes.
type API interface {
	SendMessage(ctx context.Context, channelID int64, content string) (int64, error)
	AddReaction(ctx context.Context, channelID, messageID int64, emoji string) error
	TriggerTyping(ctx context.Context, channelID int64) error
	DownloadAttachment(ctx context.Context, att Attachment, limit int64) ([]byte, error)
	ListEmojis(ctx context.Context) ([]string, error)
	RecentMessages(ctx context.Context, channelID int64, limit int) ([]Message, error)
}

type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status=%d body=%s", e.StatusCode, e.Body)
}

// RESTClient talks to the platform HTTP API with a bot token.
type RESTClient struct {
	httpClient *http.Client
	apiBase    string
	token      string
}

func NewRESTClient(httpClient *http.Client, apiBase, token string) (*RESTClient, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("httpClient is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("apiBase is required")
	}
	return &RESTClient{httpClient: httpClient, apiBase: apiBase, token: token}, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.token) != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// SendMessage posts content to a channel and returns the new message ID.
func (c *RESTClient) SendMessage(ctx context.Context, channelID int64, content string) (int64, error) {
	var created struct {
		ID string `json:"id"`
	}
	path := "/channels/" + strconv.FormatInt(channelID, 10) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, &created); err != nil {
		return 0, err
	}
	return parseID(created.ID), nil
}

// AddReaction attaches an emoji reaction to a message.
func (c *RESTClient) AddReaction(ctx context.Context, channelID, messageID int64, emoji string) error {
	path := "/channels/" + strconv.FormatInt(channelID, 10) +
		"/messages/" + strconv.FormatInt(messageID, 10) +
		"/reactions/" + url.PathEscape(emoji)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// TriggerTyping shows the typing indicator in a channel. The indicator is
// cosmetic, so callers treat failures as non-fatal.
func (c *RESTClient) TriggerTyping(ctx context.Context, channelID int64) error {
	path := "/channels/" + strconv.FormatInt(channelID, 10) + "/typing"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// DownloadAttachment fetches attachment bytes, capped at limit.
func (c *RESTClient) DownloadAttachment(ctx context.Context, att Attachment, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	rawURL := strings.TrimSpace(att.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("missing attachment url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download status=%d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// ListEmojis returns the names of the custom emojis available to the bot.
func (c *RESTClient) ListEmojis(ctx context.Context) ([]string, error) {
	var emojis []struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, "/emojis", nil, &emojis); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(emojis))
	for _, e := range emojis {
		if n := strings.TrimSpace(e.Name); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// Me returns the bot's own user ID and username.
func (c *RESTClient) Me(ctx context.Context) (int64, string, error) {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &me); err != nil {
		return 0, "", err
	}
	id := parseID(me.ID)
	if id == 0 {
		return 0, "", fmt.Errorf("bad user id %q", me.ID)
	}
	return id, me.Username, nil
}

// RecentMessages fetches up to limit messages from a channel, newest first.
func (c *RESTClient) RecentMessages(ctx context.Context, channelID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	path := "/channels/" + strconv.FormatInt(channelID, 10) + "/messages?limit=" + strconv.Itoa(limit)

	var raws []json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raws); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raws))
	for _, r := range raws {
		if m, ok := ParseMessage(r); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}
