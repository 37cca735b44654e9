package chunker

import (
	"context"
	"log"
	"math/rand"
	"time"

	"faithful/internal/platform"
	"faithful/internal/util"
)

const logPrefix = "[deliver]"

const (
	delayBase     = 800 * time.Millisecond
	delayPerRune  = time.Second / 15
	delayJitterLo = -300 * time.Millisecond
	delayJitterHi = 500 * time.Millisecond
	delayMin      = time.Second
	delayMax      = 5 * time.Second
)

// Deliverer sends a rendered reply chunk by chunk, showing the typing
// indicator and sleeping a human-feeling delay before each send.
type Deliverer struct {
	api platform.API
	rng *rand.Rand

	// Sleep is swapped out in tests.
	Sleep func(ctx context.Context, d time.Duration) bool
}

func NewDeliverer(api platform.API, rng *rand.Rand) *Deliverer {
	return &Deliverer{api: api, rng: rng, Sleep: util.SleepContext}
}

// typingDelay scales with chunk length plus jitter, clamped to [1s, 5s].
func (d *Deliverer) typingDelay(chunkRunes int) time.Duration {
	delay := delayBase + time.Duration(chunkRunes)*delayPerRune
	jitter := delayJitterLo + time.Duration(d.rng.Int63n(int64(delayJitterHi-delayJitterLo)))
	delay += jitter
	if delay < delayMin {
		delay = delayMin
	}
	if delay > delayMax {
		delay = delayMax
	}
	return delay
}

// Deliver sends the reply's text as paced chunks, then applies any [react]
// tags to the triggering message once every chunk is out. A context
// cancellation between chunks stops cleanly with no partial chunk.
// Returns whether any message was sent.
func (d *Deliverer) Deliver(ctx context.Context, channelID, replyToID int64, reply string) (bool, error) {
	text, reactions := ExtractReactions(reply)
	chunks := Split(text)

	for _, chunk := range chunks {
		if err := d.api.TriggerTyping(ctx, channelID); err != nil {
			log.Printf("%s typing indicator failed: %v", logPrefix, err)
		}
		if !d.Sleep(ctx, d.typingDelay(len([]rune(chunk)))) {
			return false, ctx.Err()
		}
		if _, err := d.api.SendMessage(ctx, channelID, chunk); err != nil {
			return false, err
		}
	}

	for _, emoji := range reactions {
		if replyToID == 0 {
			continue
		}
		if err := d.api.AddReaction(ctx, channelID, replyToID, emoji); err != nil {
			log.Printf("%s reaction %q on message %d failed: %v", logPrefix, emoji, replyToID, err)
		}
	}
	return len(chunks) > 0 || len(reactions) > 0, nil
}

// React adds a single reaction, used for the standalone reaction path.
func (d *Deliverer) React(ctx context.Context, channelID, messageID int64, emoji string) error {
	return d.api.AddReaction(ctx, channelID, messageID, emoji)
}
