package platform

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Attachment references an uploaded file on a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// Reference identifies the message this one replies to.
type Reference struct {
	MessageID int64
	AuthorID  int64
	CreatedAt time.Time
}

// Message is one chat message as delivered by the gateway or REST API.
// The wire format carries IDs as decimal strings.
type Message struct {
	ID         int64        `json:"id,string"`
	ChannelID  int64        `json:"channel_id,string"`
	AuthorID   int64        `json:"-"`
	AuthorName string       `json:"-"`
	AuthorBot  bool         `json:"-"`
	Content    string       `json:"content"`
	Mentions   []int64      `json:"-"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt  time.Time    `json:"created_at"`
	Reference  *Reference   `json:"-"`

	AuthorRaw    json.RawMessage   `json:"author"`
	MentionsRaw  []json.RawMessage `json:"mentions"`
	ReferenceRaw json.RawMessage   `json:"referenced_message"`
}

// IsReply reports whether this message is part of a reply chain.
func (m Message) IsReply() bool { return m.Reference != nil }

// ParseMessage decodes a gateway payload and resolves the author and
// mention fields, which arrive either as bare ID strings or objects.
func ParseMessage(payload json.RawMessage) (Message, bool) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, false
	}
	msg.AuthorID, msg.AuthorName, msg.AuthorBot = parseAuthor(msg.AuthorRaw)
	msg.Mentions = parseMentions(msg.MentionsRaw)
	msg.Reference = parseReference(msg.ReferenceRaw)
	return msg, msg.ID != 0
}

func parseReference(raw json.RawMessage) *Reference {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var ref struct {
		ID        string          `json:"id"`
		Author    json.RawMessage `json:"author"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil
	}
	id := parseID(ref.ID)
	if id == 0 {
		return nil
	}
	authorID, _, _ := parseAuthor(ref.Author)
	return &Reference{MessageID: id, AuthorID: authorID, CreatedAt: ref.CreatedAt}
}

func parseAuthor(raw json.RawMessage) (id int64, name string, bot bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, "", false
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, "", false
		}
		return parseID(s), "", false
	}

	if raw[0] != '{' {
		return 0, "", false
	}
	var author struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	}
	if err := json.Unmarshal(raw, &author); err != nil {
		return 0, "", false
	}
	return parseID(author.ID), strings.TrimSpace(author.Username), author.Bot
}

func parseMentions(raws []json.RawMessage) []int64 {
	if len(raws) == 0 {
		return nil
	}
	out := make([]int64, 0, len(raws))
	for _, m := range raws {
		raw := bytes.TrimSpace(m)
		if len(raw) == 0 {
			continue
		}

		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			if id := parseID(s); id != 0 {
				out = append(out, id)
			}
			continue
		}

		if raw[0] != '{' {
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if id := parseID(obj.ID); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func parseID(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var id int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		id = id*10 + int64(r-'0')
	}
	return id
}

// MentionsUser reports whether the message mentions userID.
func (m Message) MentionsUser(userID int64) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}
