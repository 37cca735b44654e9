package chunker

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"faithful/internal/platform"
)

type fakeAPI struct {
	sent      []string
	reactions []string
	ops       []string
	typing    int
	nextID    int64
}

func (f *fakeAPI) SendMessage(ctx context.Context, channelID int64, content string) (int64, error) {
	f.sent = append(f.sent, content)
	f.ops = append(f.ops, "send")
	f.nextID++
	return f.nextID, nil
}

func (f *fakeAPI) AddReaction(ctx context.Context, channelID, messageID int64, emoji string) error {
	f.reactions = append(f.reactions, emoji)
	f.ops = append(f.ops, "react")
	return nil
}

func (f *fakeAPI) TriggerTyping(ctx context.Context, channelID int64) error {
	f.typing++
	return nil
}

func (f *fakeAPI) DownloadAttachment(ctx context.Context, att platform.Attachment, limit int64) ([]byte, error) {
	return nil, nil
}

func (f *fakeAPI) ListEmojis(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeAPI) RecentMessages(ctx context.Context, channelID int64, limit int) ([]platform.Message, error) {
	return nil, nil
}

func newTestDeliverer(api platform.API) *Deliverer {
	d := NewDeliverer(api, rand.New(rand.NewSource(1)))
	d.Sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return d
}

func TestDeliverSendsChunksAndReactions(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDeliverer(api)

	sent, err := d.Deliver(context.Background(), 1, 99, "hey! [react: 👀] how are you")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !sent {
		t.Fatal("Deliver reported nothing sent")
	}
	if len(api.sent) != 1 || strings.Contains(api.sent[0], "[react:") {
		t.Fatalf("sent = %v", api.sent)
	}
	if len(api.reactions) != 1 || api.reactions[0] != "👀" {
		t.Fatalf("reactions = %v", api.reactions)
	}
	if api.typing != 1 {
		t.Fatalf("typing indicators = %d, want 1", api.typing)
	}
}

func TestDeliverReactsOnlyAfterAllChunks(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDeliverer(api)

	sent, err := d.Deliver(context.Background(), 1, 99, "first line\nsecond line [react: 👍]")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !sent {
		t.Fatal("Deliver reported nothing sent")
	}
	want := []string{"send", "send", "react"}
	if len(api.ops) != len(want) {
		t.Fatalf("ops = %v", api.ops)
	}
	for i, op := range want {
		if api.ops[i] != op {
			t.Fatalf("ops = %v, want %v", api.ops, want)
		}
	}
}

func TestDeliverReactionOnlyReply(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDeliverer(api)

	sent, err := d.Deliver(context.Background(), 1, 99, "[react: heart]")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !sent {
		t.Fatal("reaction-only reply should count as delivered")
	}
	if len(api.sent) != 0 || len(api.reactions) != 1 {
		t.Fatalf("sent=%v reactions=%v", api.sent, api.reactions)
	}
}

func TestDeliverEmptyReply(t *testing.T) {
	api := &fakeAPI{}
	d := newTestDeliverer(api)

	sent, err := d.Deliver(context.Background(), 1, 99, "   ")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sent || len(api.sent) != 0 {
		t.Fatalf("empty reply sent something: %v", api.sent)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	api := &fakeAPI{}
	d := NewDeliverer(api, rand.New(rand.NewSource(1)))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	d.Sleep = func(ctx context.Context, _ time.Duration) bool {
		calls++
		if calls == 2 {
			cancel()
			return false
		}
		return true
	}

	long := strings.Repeat("sentence here. ", 300) // forces multiple chunks
	sent, err := d.Deliver(ctx, 1, 0, long)
	if err == nil {
		t.Fatal("Deliver did not surface cancellation")
	}
	if sent {
		t.Fatal("cancelled delivery reported success")
	}
	if len(api.sent) != 1 {
		t.Fatalf("sent %d chunks after cancel, want 1", len(api.sent))
	}
}

func TestTypingDelayClamped(t *testing.T) {
	d := NewDeliverer(&fakeAPI{}, rand.New(rand.NewSource(7)))
	for i := 0; i < 100; i++ {
		if got := d.typingDelay(1); got < delayMin || got > delayMax {
			t.Fatalf("typingDelay(1) = %s out of range", got)
		}
		if got := d.typingDelay(2000); got != delayMax {
			t.Fatalf("typingDelay(2000) = %s, want clamp to %s", got, delayMax)
		}
	}
}
