package scheduler

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
)

const feedTimeout = 15 * time.Second

// TopicFeed pulls conversation seeds from an RSS/Atom feed. Failures just
// mean an unseeded fire, never a blocked one.
type TopicFeed struct {
	url    string
	parser *gofeed.Parser

	mu  sync.Mutex
	rng *rand.Rand
}

func NewTopicFeed(url string, rng *rand.Rand) *TopicFeed {
	return &TopicFeed{url: strings.TrimSpace(url), parser: gofeed.NewParser(), rng: rng}
}

func (f *TopicFeed) Topic(ctx context.Context) string {
	if f.url == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()

	feed, err := f.parser.ParseURLWithContext(f.url, ctx)
	if err != nil {
		log.Printf("%s topic feed: %v", logPrefix, err)
		return ""
	}
	if len(feed.Items) == 0 {
		return ""
	}

	f.mu.Lock()
	item := feed.Items[f.rng.Intn(len(feed.Items))]
	f.mu.Unlock()
	return strings.TrimSpace(item.Title)
}
