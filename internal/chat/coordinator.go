// Package chat routes inbound messages to replies: trigger decisions,
// per-channel debouncing with cancellation, generation and delivery.
package chat

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"faithful/internal/backend"
	"faithful/internal/chunker"
	"faithful/internal/config"
	"faithful/internal/platform"
	"faithful/internal/prompt"
	"faithful/internal/util"
)

const logPrefix = "[chat]"

// failureReaction marks messages we tried and failed to answer.
const failureReaction = "⚠️"

// activeProbeLimit is how many recent messages the active-conversation
// check inspects.
const activeProbeLimit = 7

type pendingTask struct {
	cancel  context.CancelFunc
	trigger platform.Message
}

// Coordinator owns the per-channel reply pipeline. One debounce task per
// channel at most; a newer trigger cancels and replaces an unfired one.
type Coordinator struct {
	cfg       *config.Config
	api       platform.API
	gen       backend.Backend
	assembler *prompt.Assembler
	deliverer *chunker.Deliverer
	selfID    int64

	mu      sync.Mutex
	rng     *rand.Rand
	pending map[int64]*pendingTask
	wg      sync.WaitGroup

	// sleepFn paces the debounce window; tests swap it.
	sleepFn func(ctx context.Context, d time.Duration) bool
}

func NewCoordinator(cfg *config.Config, api platform.API, gen backend.Backend, assembler *prompt.Assembler, deliverer *chunker.Deliverer, selfID int64, rng *rand.Rand) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		api:       api,
		gen:       gen,
		assembler: assembler,
		deliverer: deliverer,
		selfID:    selfID,
		rng:       rng,
		pending:   make(map[int64]*pendingTask),
		sleepFn:   util.SleepContext,
	}
}

// Wait blocks until all in-flight reply tasks finish. Called on shutdown
// after the gateway stops feeding messages.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// HandleMessage ingests one gateway message. The persona's own messages and
// other bots never trigger anything.
func (c *Coordinator) HandleMessage(ctx context.Context, msg platform.Message) {
	if msg.ChannelID == 0 {
		return
	}
	if msg.AuthorID == c.selfID || msg.AuthorBot {
		return
	}

	switch c.decide(ctx, msg) {
	case decideReply:
		c.scheduleReply(ctx, msg)
	case decideReact:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runReaction(ctx, msg)
		}()
	}
}

type decision int

const (
	decideNothing decision = iota
	decideReply
	decideReact
)

// decide applies the trigger chain: direct mention, fresh reply to the
// persona, an active conversation the persona is already part of, then the
// random-reply draw. Failing all of those, a separate draw may still pick a
// standalone reaction.
func (c *Coordinator) decide(ctx context.Context, msg platform.Message) decision {
	st := c.cfg.Snapshot()
	if c.addressed(ctx, msg, st) {
		return decideReply
	}
	if c.roll(st.ReplyProbability) {
		return decideReply
	}
	if c.roll(st.ReactionProbability) {
		return decideReact
	}
	return decideNothing
}

func (c *Coordinator) addressed(ctx context.Context, msg platform.Message, st config.Settings) bool {
	if msg.MentionsUser(c.selfID) {
		return true
	}
	if ref := msg.Reference; ref != nil && ref.AuthorID == c.selfID {
		if fresh(ref.CreatedAt, st.ConversationExpiry) {
			return true
		}
	}
	return c.inConversation(ctx, msg, st)
}

// inConversation reports whether the persona spoke recently enough in the
// channel that the new message reads as part of an ongoing exchange. Only
// the first persona message found walking backwards counts; an older one
// behind it is a conversation that already ended.
func (c *Coordinator) inConversation(ctx context.Context, msg platform.Message, st config.Settings) bool {
	recent, err := c.api.RecentMessages(ctx, msg.ChannelID, activeProbeLimit)
	if err != nil {
		log.Printf("%s history probe failed: channel=%d err=%v", logPrefix, msg.ChannelID, err)
		return false
	}
	for _, m := range recent { // newest first
		if m.ID == msg.ID {
			continue
		}
		if m.AuthorID == c.selfID {
			return fresh(m.CreatedAt, st.ConversationExpiry)
		}
	}
	return false
}

func fresh(at time.Time, expirySeconds float64) bool {
	if at.IsZero() {
		return false
	}
	return time.Since(at) < time.Duration(expirySeconds*float64(time.Second))
}

func (c *Coordinator) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < p
}

// scheduleReply starts the debounce window for a channel, cancelling any
// unfired task so rapid-fire messages produce one reply to the latest.
func (c *Coordinator) scheduleReply(ctx context.Context, msg platform.Message) {
	taskCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prev := c.pending[msg.ChannelID]; prev != nil {
		prev.cancel()
	}
	c.pending[msg.ChannelID] = &pendingTask{cancel: cancel, trigger: msg}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		// The slot stays occupied until the whole pipeline finishes, so a
		// message arriving mid-generation cancels this task instead of
		// starting a concurrent one for the same channel.
		defer func() {
			c.mu.Lock()
			if cur := c.pending[msg.ChannelID]; cur != nil && cur.trigger.ID == msg.ID {
				delete(c.pending, msg.ChannelID)
			}
			c.mu.Unlock()
		}()

		delay := time.Duration(c.cfg.Snapshot().DebounceDelay * float64(time.Second))
		if !c.sleepFn(taskCtx, delay) {
			return // superseded or shutting down
		}

		c.runReply(taskCtx, msg.ChannelID)
	}()
}

// runReply assembles from the channel's live history, so everything that
// arrived during the debounce window is already in the request.
func (c *Coordinator) runReply(ctx context.Context, channelID int64) {
	req, promptMsg, err := c.assembler.BuildRequest(ctx, channelID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("%s assembly failed: channel=%d err=%v", logPrefix, channelID, err)
		}
		return
	}

	start := time.Now()
	reply, err := c.gen.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("%s generation failed: channel=%d err=%v", logPrefix, channelID, err)
		c.markFailed(ctx, channelID, promptMsg)
		return
	}
	log.Printf("%s generated %d chars in %s: channel=%d preview=%q",
		logPrefix, len(reply), util.HumanizeDuration(time.Since(start)), channelID, util.PreviewString(reply, 80))

	var replyTo int64
	if promptMsg != nil {
		replyTo = promptMsg.ID
	}
	sent, err := c.deliverer.Deliver(ctx, channelID, replyTo, reply)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("%s delivery failed: channel=%d err=%v", logPrefix, channelID, err)
		}
		return
	}
	if !sent {
		// The model produced nothing usable; leave a visible trace.
		c.markFailed(ctx, channelID, promptMsg)
	}
}

func (c *Coordinator) markFailed(ctx context.Context, channelID int64, promptMsg *platform.Message) {
	if promptMsg == nil {
		return
	}
	if err := c.api.AddReaction(ctx, channelID, promptMsg.ID, failureReaction); err != nil {
		log.Printf("%s failure reaction: %v", logPrefix, err)
	}
}

func (c *Coordinator) runReaction(ctx context.Context, msg platform.Message) {
	req := c.assembler.BuildReactionRequest(msg.ChannelID, msg)
	out, err := c.gen.Generate(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("%s reaction generation failed: channel=%d err=%v", logPrefix, msg.ChannelID, err)
		}
		return
	}

	emoji := pickEmoji(out)
	if emoji == "" {
		return
	}
	if err := c.api.AddReaction(ctx, msg.ChannelID, msg.ID, emoji); err != nil {
		log.Printf("%s reaction failed: channel=%d emoji=%q err=%v", logPrefix, msg.ChannelID, emoji, err)
	}
}

// Spontaneous generates and delivers an unprompted opener in channelID.
// Called by the scheduler.
func (c *Coordinator) Spontaneous(ctx context.Context, channelID int64, topic string) error {
	req := c.assembler.BuildSpontaneousRequest(ctx, channelID, topic)
	reply, err := c.gen.Generate(ctx, req)
	if err != nil {
		return err
	}
	_, err = c.deliverer.Deliver(ctx, channelID, 0, reply)
	return err
}

// pickEmoji extracts a usable emoji from a reaction completion: a [react]
// tag if present, otherwise the first whitespace-delimited token.
func pickEmoji(out string) string {
	if _, reactions := chunker.ExtractReactions(out); len(reactions) > 0 {
		return reactions[0]
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return ""
	}
	emoji := strings.Trim(fields[0], `"'.,!`)
	if emoji == "" || len([]rune(emoji)) > 16 {
		return ""
	}
	return emoji
}
