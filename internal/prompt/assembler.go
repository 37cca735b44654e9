// Package prompt assembles generation requests from live channel state: the
// persona system prompt with sampled corpus examples and relevant memories,
// plus the bounded conversation window fetched from the platform.
package prompt

import (
	"context"
	"fmt"
	"log"
	"strings"

	"faithful/internal/backend"
	"faithful/internal/config"
	"faithful/internal/corpus"
	"faithful/internal/imagex"
	"faithful/internal/memory"
	"faithful/internal/platform"
	"faithful/internal/tools"
)

const logPrefix = "[prompt]"

// maxInlineTextBytes caps how much of a text attachment gets inlined.
const maxInlineTextBytes = 64 * 1024

type Assembler struct {
	cfg    *config.Config
	api    platform.API
	corpus *corpus.Store
	memory *memory.Store
	selfID int64
	emojis []string
}

func NewAssembler(cfg *config.Config, api platform.API, corp *corpus.Store, mem *memory.Store, selfID int64) *Assembler {
	return &Assembler{cfg: cfg, api: api, corpus: corp, memory: mem, selfID: selfID}
}

// SetEmojis installs the custom emoji names fetched at startup.
func (a *Assembler) SetEmojis(names []string) {
	a.emojis = names
}

// BuildRequest assembles a reply request from the channel's recent history.
// The window is trimmed to start at the last fresh mention of the persona,
// and the newest non-persona message becomes the prompt. The prompt message
// is returned too so the caller can react to it on failure; it is nil when
// everything recent came from the persona or bots, in which case the request
// degrades to a promptless, spontaneous-style generation.
func (a *Assembler) BuildRequest(ctx context.Context, channelID int64) (backend.Request, *platform.Message, error) {
	st := a.cfg.Snapshot()
	window, err := a.fetchWindow(ctx, channelID, st.MaxContextMessages)
	if err != nil {
		return backend.Request{}, nil, err
	}

	participants := collectParticipants(window, a.selfID)

	promptIdx := -1
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].AuthorID != a.selfID && !window[i].AuthorBot {
			promptIdx = i
			break
		}
	}

	var history []backend.Turn
	prompt := ""
	var images []backend.Image
	var promptMsg *platform.Message

	if promptIdx >= 0 {
		for _, m := range window[:promptIdx] {
			history = append(history, a.renderTurn(m))
		}
		promptMsg = &window[promptIdx]
		prompt, images = a.renderPrompt(ctx, *promptMsg)
	} else {
		for _, m := range window {
			history = append(history, a.renderTurn(m))
		}
	}

	req := backend.Request{
		System:      a.buildSystem(channelID, participants, st),
		History:     history,
		Prompt:      prompt,
		Images:      images,
		Env:         tools.CallEnv{ChannelID: channelID, Participants: participants},
		Temperature: st.LLMTemperature,
		MaxTokens:   st.LLMMaxTokens,
	}
	return req, promptMsg, nil
}

// BuildReactionRequest asks for a single emoji pick over one message. No
// tools; a tool round-trip for an emoji would be absurd.
func (a *Assembler) BuildReactionRequest(channelID int64, msg platform.Message) backend.Request {
	st := a.cfg.Snapshot()
	system := a.buildSystem(channelID, map[int64]string{msg.AuthorID: msg.AuthorName}, st)
	prompt := fmt.Sprintf(
		"React to this message with a single emoji, nothing else. Reply with just the emoji.\n%s: %s",
		msg.AuthorName, msg.Content,
	)
	return backend.Request{
		System:      system,
		Prompt:      prompt,
		NoTools:     true,
		Temperature: st.LLMTemperature,
		MaxTokens:   16,
	}
}

// BuildSpontaneousRequest opens a conversation unprompted. Recent channel
// history still rides along as context, but there is no prompt message; the
// backend substitutes its spontaneous instruction. A topic from the
// configured feed, when present, becomes the instruction instead.
func (a *Assembler) BuildSpontaneousRequest(ctx context.Context, channelID int64, topic string) backend.Request {
	st := a.cfg.Snapshot()
	var history []backend.Turn
	if window, err := a.fetchWindow(ctx, channelID, st.MaxContextMessages); err == nil {
		for _, m := range window {
			history = append(history, a.renderTurn(m))
		}
	} else {
		log.Printf("%s history unavailable for spontaneous message: %v", logPrefix, err)
	}

	prompt := ""
	if topic = strings.TrimSpace(topic); topic != "" {
		prompt = "Start a casual conversation in the channel, like you just thought of something. " +
			"If it fits your personality, you could riff on this: " + topic
	}
	return backend.Request{
		System:      a.buildSystem(channelID, nil, st),
		History:     history,
		Prompt:      prompt,
		Env:         tools.CallEnv{ChannelID: channelID},
		Temperature: st.LLMTemperature,
		MaxTokens:   st.LLMMaxTokens,
	}
}

// fetchWindow pulls the recent history oldest-first and trims it to start at
// the last direct mention that is not itself a reply. A fresh mention marks
// the start of a conversation; everything before it is stale.
func (a *Assembler) fetchWindow(ctx context.Context, channelID int64, limit int) ([]platform.Message, error) {
	msgs, err := a.api.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	start := 0
	for i, m := range msgs {
		if m.MentionsUser(a.selfID) && !m.IsReply() {
			start = i
		}
	}
	return msgs[start:], nil
}

// renderTurn formats one context message, annotating attachments so the
// model knows they were there without receiving the bytes.
func (a *Assembler) renderTurn(m platform.Message) backend.Turn {
	content := m.Content
	if ann := annotateAttachments(m.Attachments); ann != "" {
		if content == "" {
			content = ann
		} else {
			content += " " + ann
		}
	}

	if m.AuthorID == a.selfID {
		return backend.Turn{Role: "assistant", Content: content}
	}
	return backend.Turn{Role: "user", Content: m.AuthorName + ": " + content}
}

// renderPrompt resolves the prompt message's attachments: images are
// downloaded and normalized for the model, text files are inlined, and
// anything else is annotated by name. Download failures degrade to an
// annotation rather than failing the request.
func (a *Assembler) renderPrompt(ctx context.Context, m platform.Message) (string, []backend.Image) {
	content := m.AuthorName + ": " + m.Content
	var images []backend.Image

	for _, att := range m.Attachments {
		switch {
		case att.IsImage():
			data, err := a.api.DownloadAttachment(ctx, att, imagex.MaxImageBytes)
			if err != nil {
				log.Printf("%s attachment %s download failed: %v", logPrefix, att.Filename, err)
				content += fmt.Sprintf("\n[Attached file: %s]", att.Filename)
				continue
			}
			mime, normalized, err := imagex.Normalize(data, att.ContentType)
			if err != nil {
				log.Printf("%s attachment %s skipped: %v", logPrefix, att.Filename, err)
				content += fmt.Sprintf("\n[Attached file: %s]", att.Filename)
				continue
			}
			images = append(images, backend.Image{MIME: mime, Data: normalized})

		case strings.HasPrefix(strings.ToLower(att.ContentType), "text/"):
			data, err := a.api.DownloadAttachment(ctx, att, maxInlineTextBytes)
			if err != nil {
				log.Printf("%s attachment %s download failed: %v", logPrefix, att.Filename, err)
				content += fmt.Sprintf("\n[Attached file: %s]", att.Filename)
				continue
			}
			content += fmt.Sprintf("\n[File: %s]\n%s", att.Filename, string(data))

		default:
			content += fmt.Sprintf("\n[Attached file: %s]", att.Filename)
		}
	}
	return content, images
}

func (a *Assembler) buildSystem(channelID int64, participants map[int64]string, st config.Settings) string {
	examples := a.corpus.Sample(st.SampleSize)

	out := a.cfg.SystemPromptTemplate
	out = strings.ReplaceAll(out, "{name}", st.PersonaName)
	out = strings.ReplaceAll(out, "{custom_emojis}", a.emojiBlock())
	out = strings.ReplaceAll(out, "{memories}", a.memoryBlock(channelID, participants))
	out = strings.ReplaceAll(out, "{examples}", strings.Join(examples, "\n"))
	return out
}

func (a *Assembler) emojiBlock() string {
	if len(a.emojis) == 0 {
		return ""
	}
	return "Custom emojis available for reactions: " + strings.Join(a.emojis, ", ") + "\n"
}

// memoryBlock gathers what is known about the participants and the channel.
func (a *Assembler) memoryBlock(channelID int64, participants map[int64]string) string {
	if a.memory == nil || !a.cfg.EnableMemory {
		return ""
	}

	var b strings.Builder
	for id, name := range participants {
		facts := a.memory.UserMemories(id)
		if len(facts) == 0 {
			continue
		}
		b.WriteString("What you know about " + name + ":\n")
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}
	if facts := a.memory.ChannelMemories(channelID); len(facts) > 0 {
		b.WriteString("What you know about this channel:\n")
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}
	return b.String()
}

func annotateAttachments(atts []platform.Attachment) string {
	var parts []string
	for _, att := range atts {
		if att.IsImage() {
			parts = append(parts, fmt.Sprintf("[image: %s]", att.Filename))
		} else {
			parts = append(parts, fmt.Sprintf("[attached: %s]", att.Filename))
		}
	}
	return strings.Join(parts, " ")
}

func collectParticipants(window []platform.Message, selfID int64) map[int64]string {
	out := make(map[int64]string)
	for _, m := range window {
		if m.AuthorID == selfID || m.AuthorBot || m.AuthorID == 0 {
			continue
		}
		out[m.AuthorID] = m.AuthorName
	}
	return out
}
