// Package admin implements the !-prefixed maintenance commands. Every
// failure is reported back into the channel; silent failures cost admins
// more debugging time than noisy ones.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"faithful/internal/backend"
	"faithful/internal/config"
	"faithful/internal/corpus"
	"faithful/internal/memory"
	"faithful/internal/platform"
	"faithful/internal/util"
)

const logPrefix = "[admin]"

const listPageSize = 10

// maxUploadBytes bounds corpus uploads via attachment.
const maxUploadBytes = 1 << 20

// ScheduleReader exposes the scheduler's live state for !status.
type ScheduleReader interface {
	NextRun() (time.Time, bool)
}

type Handler struct {
	cfg       *config.Config
	api       platform.API
	corpus    *corpus.Store
	memory    *memory.Store
	gen       *backend.Switchable
	schedule  ScheduleReader
	makeGen   func(name string) (backend.Backend, error)
	startedAt time.Time
}

func NewHandler(cfg *config.Config, api platform.API, corp *corpus.Store, mem *memory.Store, gen *backend.Switchable, schedule ScheduleReader, makeGen func(string) (backend.Backend, error)) *Handler {
	return &Handler{
		cfg:       cfg,
		api:       api,
		corpus:    corp,
		memory:    mem,
		gen:       gen,
		schedule:  schedule,
		makeGen:   makeGen,
		startedAt: time.Now(),
	}
}

// Handle consumes a command message. Returns false when the message is not
// a command from an admin, so the caller treats it as normal chat.
func (h *Handler) Handle(ctx context.Context, msg platform.Message) bool {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "!") || len(content) < 2 {
		return false
	}
	if !h.cfg.IsAdmin(msg.AuthorID) {
		return false
	}

	fields := strings.Fields(content)
	command := strings.ToLower(strings.TrimPrefix(fields[0], "!"))
	args := fields[1:]

	log.Printf("%s %s from user=%d channel=%d", logPrefix, command, msg.AuthorID, msg.ChannelID)

	var reply string
	var err error
	switch command {
	case "help":
		reply = helpText
	case "status":
		reply = h.status()
	case "corpus":
		reply, err = h.corpusCmd(ctx, msg, args)
	case "memory":
		reply, err = h.memoryCmd(msg, args)
	case "set":
		reply, err = h.setCmd(args)
	case "backend":
		reply, err = h.backendCmd(args)
	default:
		return false
	}

	if err != nil {
		reply = "error: " + err.Error()
	}
	if reply != "" {
		if _, sendErr := h.api.SendMessage(ctx, msg.ChannelID, reply); sendErr != nil {
			log.Printf("%s reply failed: %v", logPrefix, sendErr)
		}
	}
	return true
}

const helpText = "commands:\n" +
	"!status\n" +
	"!corpus count | list [page] | add <text> | remove <n> | clear\n" +
	"!memory stats | user <name> | channel | remove user <name> <n> | remove channel <n> | clear user <name> | clear channel | clear all\n" +
	"!set <KEY> <value>\n" +
	"!backend <markov|openai|gemini|anthropic|ollama>"

func (h *Handler) status() string {
	users, channels, facts := h.memory.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "backend: %s\n", h.gen.Name())
	fmt.Fprintf(&b, "persona: %s\n", h.cfg.Snapshot().PersonaName)
	fmt.Fprintf(&b, "corpus: %d examples\n", h.corpus.Count())
	fmt.Fprintf(&b, "memory: %d facts (%d users, %d channels)\n", facts, users, channels)
	fmt.Fprintf(&b, "uptime: %s", util.HumanizeDuration(time.Since(h.startedAt)))
	if h.schedule != nil {
		if next, ok := h.schedule.NextRun(); ok {
			fmt.Fprintf(&b, "\nnext spontaneous message: in %s", util.HumanizeDuration(time.Until(next)))
		}
	}
	return b.String()
}

func (h *Handler) corpusCmd(ctx context.Context, msg platform.Message, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: !corpus count | list [page] | add <text> | remove <n> | clear")
	}

	switch strings.ToLower(args[0]) {
	case "count":
		return fmt.Sprintf("%d examples", h.corpus.Count()), nil

	case "list":
		page := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return "", fmt.Errorf("bad page %q", args[1])
			}
			page = n
		}
		return h.listCorpus(page)

	case "add":
		if len(msg.Attachments) > 0 {
			return h.addFromAttachments(ctx, msg)
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.Content), "!corpus add"))
		if text == "" {
			return "", errors.New("nothing to add: give text or attach a .txt file")
		}
		n, err := h.corpus.Add(strings.Split(text, "\n"))
		if err != nil {
			return "", err
		}
		h.reconfigure()
		return fmt.Sprintf("added %d example(s), corpus now %d", n, h.corpus.Count()), nil

	case "remove":
		if len(args) < 2 {
			return "", errors.New("usage: !corpus remove <n>")
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("bad index %q", args[1])
		}
		removed, err := h.corpus.RemoveAt(idx)
		if err != nil {
			return "", err
		}
		h.reconfigure()
		return fmt.Sprintf("removed #%d: %s", idx, util.PreviewString(removed, 80)), nil

	case "clear":
		n, err := h.corpus.Clear()
		if err != nil {
			return "", err
		}
		h.reconfigure()
		return fmt.Sprintf("cleared %d examples", n), nil

	default:
		return "", fmt.Errorf("unknown corpus subcommand %q", args[0])
	}
}

func (h *Handler) listCorpus(page int) (string, error) {
	all := h.corpus.List()
	if len(all) == 0 {
		return "corpus is empty", nil
	}

	start := (page - 1) * listPageSize
	if start >= len(all) {
		return "", fmt.Errorf("page %d is past the end (%d examples)", page, len(all))
	}
	end := start + listPageSize
	if end > len(all) {
		end = len(all)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "examples %d-%d of %d:\n", start+1, end, len(all))
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i+1, util.PreviewString(all[i], 100))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) addFromAttachments(ctx context.Context, msg platform.Message) (string, error) {
	if h.cfg.AdminOnlyUpload && !h.cfg.IsAdmin(msg.AuthorID) {
		return "", errors.New("uploads are admin-only")
	}

	total := 0
	for _, att := range msg.Attachments {
		ct := strings.ToLower(att.ContentType)
		if !strings.HasPrefix(ct, "text/") && !strings.HasSuffix(strings.ToLower(att.Filename), ".txt") {
			return "", fmt.Errorf("%s is not a text file", att.Filename)
		}
		data, err := h.api.DownloadAttachment(ctx, att, maxUploadBytes)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", att.Filename, err)
		}
		n, err := h.corpus.Add(strings.Split(string(data), "\n"))
		if err != nil {
			return "", err
		}
		total += n
	}
	h.reconfigure()
	return fmt.Sprintf("added %d example(s) from %d file(s), corpus now %d", total, len(msg.Attachments), h.corpus.Count()), nil
}

// reconfigure pushes the current corpus at the active backend after any
// corpus edit or backend switch.
func (h *Handler) reconfigure() {
	if err := h.gen.Configure(h.corpus.List()); err != nil {
		log.Printf("%s backend configure failed: %v", logPrefix, err)
	}
}

func (h *Handler) memoryCmd(msg platform.Message, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: !memory stats | user <name> | channel | clear ...")
	}

	switch strings.ToLower(args[0]) {
	case "stats":
		users, channels, facts := h.memory.Stats()
		return fmt.Sprintf("%d facts across %d users and %d channels", facts, users, channels), nil

	case "user":
		if len(args) < 2 {
			return "", errors.New("usage: !memory user <name>")
		}
		name := strings.Join(args[1:], " ")
		id, ok := h.memory.FindUserByName(name)
		if !ok {
			return "", fmt.Errorf("no memories for %q", name)
		}
		facts := h.memory.UserMemories(id)
		return formatFacts(name, facts), nil

	case "channel":
		return formatFacts("this channel", h.memory.ChannelMemories(msg.ChannelID)), nil

	case "remove":
		return h.memoryRemove(msg, args[1:])

	case "clear":
		return h.memoryClear(msg, args[1:])

	default:
		return "", fmt.Errorf("unknown memory subcommand %q", args[0])
	}
}

func (h *Handler) memoryRemove(msg platform.Message, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: !memory remove user <name> <n> | channel <n>")
	}
	switch strings.ToLower(args[0]) {
	case "user":
		if len(args) < 3 {
			return "", errors.New("usage: !memory remove user <name> <n>")
		}
		idx, err := strconv.Atoi(args[len(args)-1])
		if err != nil {
			return "", fmt.Errorf("bad index %q", args[len(args)-1])
		}
		name := strings.Join(args[1:len(args)-1], " ")
		id, ok := h.memory.FindUserByName(name)
		if !ok {
			return "", fmt.Errorf("no memories for %q", name)
		}
		removed, err := h.memory.RemoveUserFact(id, idx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forgot about %s: %s", name, util.PreviewString(removed, 80)), nil
	case "channel":
		if len(args) < 2 {
			return "", errors.New("usage: !memory remove channel <n>")
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("bad index %q", args[1])
		}
		removed, err := h.memory.RemoveChannelFact(msg.ChannelID, idx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forgot about this channel: %s", util.PreviewString(removed, 80)), nil
	default:
		return "", fmt.Errorf("unknown remove target %q", args[0])
	}
}

func (h *Handler) memoryClear(msg platform.Message, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: !memory clear user <name> | channel | all")
	}
	switch strings.ToLower(args[0]) {
	case "user":
		if len(args) < 2 {
			return "", errors.New("usage: !memory clear user <name>")
		}
		name := strings.Join(args[1:], " ")
		id, ok := h.memory.FindUserByName(name)
		if !ok {
			return "", fmt.Errorf("no memories for %q", name)
		}
		n, err := h.memory.ClearUser(id)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forgot %d fact(s) about %s", n, name), nil
	case "channel":
		n, err := h.memory.ClearChannel(msg.ChannelID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forgot %d fact(s) about this channel", n), nil
	case "all":
		n, err := h.memory.ClearAll()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("forgot everything (%d facts)", n), nil
	default:
		return "", fmt.Errorf("unknown clear target %q", args[0])
	}
}

func formatFacts(subject string, facts []string) string {
	if len(facts) == 0 {
		return "nothing remembered about " + subject
	}
	var b strings.Builder
	fmt.Fprintf(&b, "about %s:\n", subject)
	for i, f := range facts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) setCmd(args []string) (string, error) {
	if len(args) < 2 {
		return "", errors.New("usage: !set <KEY> <value>")
	}
	key := args[0]
	value := strings.Join(args[1:], " ")
	if err := h.cfg.UpdateEnv(key, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s", strings.ToUpper(key), value), nil
}

func (h *Handler) backendCmd(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: !backend <name>")
	}
	name := strings.ToLower(args[0])

	b, err := h.makeGen(name)
	if err != nil {
		return "", err
	}
	h.gen.Set(b)
	h.reconfigure()
	if err := h.cfg.UpdateEnv("ACTIVE_BACKEND", name); err != nil {
		// Switched in memory but not persisted; say so.
		return fmt.Sprintf("switched to %s (persist failed: %v)", name, err), nil
	}
	return "switched to " + name, nil
}
