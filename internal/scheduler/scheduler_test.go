package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"faithful/internal/config"
	"faithful/internal/state"
)

type fakeFirer struct {
	mu    sync.Mutex
	fired []int64
	err   error
}

func (f *fakeFirer) Spontaneous(ctx context.Context, channelID int64, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, channelID)
	return f.err
}

func (f *fakeFirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func schedConfig(channels ...int64) *config.Config {
	return &config.Config{
		SpontaneousChannels: channels,
		SchedulerMinHours:   12,
		SchedulerMaxHours:   24,
	}
}

func newTestScheduler(t *testing.T, cfg *config.Config, firer Firer) (*Scheduler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler_state.json")
	s, err := New(cfg, firer, nil, path, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, path
}

func TestFreshScheduleWithinBounds(t *testing.T) {
	s, _ := newTestScheduler(t, schedConfig(5), &fakeFirer{})
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	var slept time.Duration
	s.sleepFn = func(ctx context.Context, d time.Duration) bool {
		slept = d
		cancel()
		return false
	}
	s.Run(ctx)

	if slept < 12*time.Hour || slept > 24*time.Hour {
		t.Fatalf("interval = %s, want within [12h, 24h]", slept)
	}
	next, ok := s.NextRun()
	if !ok {
		t.Fatal("no schedule persisted")
	}
	if got := next.Sub(now); got != slept {
		t.Fatalf("persisted %s ahead, slept %s", got, slept)
	}
}

func TestScheduleSurvivesRestart(t *testing.T) {
	s, path := newTestScheduler(t, schedConfig(5), &fakeFirer{})
	now := time.Now()
	s.nowFn = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	s.sleepFn = func(ctx context.Context, d time.Duration) bool {
		cancel()
		return false
	}
	s.Run(ctx)
	next, _ := s.NextRun()

	reopened, err := New(schedConfig(5), &fakeFirer{}, nil, path, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.NextRun()
	if !ok {
		t.Fatal("schedule lost on restart")
	}
	if got.Unix() != next.Unix() {
		t.Fatalf("restored %s, want %s", got, next)
	}
}

func TestResumedScheduleWaitsRemainder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler_state.json")
	now := time.Now()
	future := now.Add(3 * time.Hour)
	if err := state.SaveJSONFile(path, persistedState{NextRun: float64(future.Unix())}); err != nil {
		t.Fatal(err)
	}

	s, err := New(schedConfig(5), &fakeFirer{}, nil, path, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	s.nowFn = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	var slept time.Duration
	s.sleepFn = func(ctx context.Context, d time.Duration) bool {
		slept = d
		cancel()
		return false
	}
	s.Run(ctx)

	if slept < 3*time.Hour-time.Second || slept > 3*time.Hour {
		t.Fatalf("slept %s, want the 3h remainder", slept)
	}
}

func TestOverdueScheduleFiresAfterZeroWait(t *testing.T) {
	firer := &fakeFirer{}
	path := filepath.Join(t.TempDir(), "scheduler_state.json")

	// Persist a fire time in the past, as after a long downtime. The loop
	// treats it like a missing schedule: a fresh interval is drawn first.
	if err := state.SaveJSONFile(path, persistedState{NextRun: float64(time.Now().Add(-time.Hour).Unix())}); err != nil {
		t.Fatal(err)
	}
	s, err := New(schedConfig(5), firer, nil, path, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s.sleepFn = func(ctx context.Context, d time.Duration) bool {
		calls++
		if calls == 1 {
			return true // wait out the (rescheduled) interval instantly
		}
		cancel()
		return false
	}
	s.Run(ctx)

	if firer.count() != 1 {
		t.Fatalf("fired %d times, want 1", firer.count())
	}
	if firer.fired[0] != 5 {
		t.Fatalf("fired into channel %d, want 5", firer.fired[0])
	}
}

func TestFailedFireBacksOff(t *testing.T) {
	firer := &fakeFirer{err: errors.New("backend down")}
	s, _ := newTestScheduler(t, schedConfig(5), firer)

	ctx, cancel := context.WithCancel(context.Background())
	var sleeps []time.Duration
	s.sleepFn = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		if len(sleeps) == 1 {
			return true
		}
		cancel()
		return false
	}
	s.Run(ctx)

	if firer.count() != 1 {
		t.Fatalf("fired %d times, want 1", firer.count())
	}
	if len(sleeps) != 2 || sleeps[1] != errBackoff {
		t.Fatalf("sleeps = %v, want interval then %s backoff", sleeps, errBackoff)
	}
}

func TestSentinelClearedDuringFire(t *testing.T) {
	s, _ := newTestScheduler(t, schedConfig(5), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var okDuringFire bool
	s.firer = firerFunc(func(fctx context.Context, channelID int64, topic string) error {
		_, okDuringFire = s.NextRun()
		cancel()
		return fctx.Err()
	})
	s.sleepFn = func(ctx context.Context, d time.Duration) bool {
		return ctx.Err() == nil
	}

	s.Run(ctx)

	if okDuringFire {
		t.Fatal("schedule not zeroed during fire")
	}
}

func TestFireSkipsWithoutChannels(t *testing.T) {
	firer := &fakeFirer{}
	s, _ := newTestScheduler(t, schedConfig(), firer)

	if err := s.fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if firer.count() != 0 {
		t.Fatalf("fired %d times with no channels", firer.count())
	}
}

type firerFunc func(ctx context.Context, channelID int64, topic string) error

func (f firerFunc) Spontaneous(ctx context.Context, channelID int64, topic string) error {
	return f(ctx, channelID, topic)
}

func TestTopicFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<rss version="2.0"><channel><title>news</title>
<item><title>Go 1.25 released</title></item>
<item><title>Some other story</title></item>
</channel></rss>`))
	}))
	defer srv.Close()

	feed := NewTopicFeed(srv.URL, rand.New(rand.NewSource(1)))
	topic := feed.Topic(context.Background())
	if topic != "Go 1.25 released" && topic != "Some other story" {
		t.Fatalf("topic = %q", topic)
	}

	empty := NewTopicFeed("", rand.New(rand.NewSource(1)))
	if got := empty.Topic(context.Background()); got != "" {
		t.Fatalf("unconfigured feed returned %q", got)
	}

	broken := NewTopicFeed("http://127.0.0.1:0/feed", rand.New(rand.NewSource(1)))
	if got := broken.Topic(context.Background()); got != "" {
		t.Fatalf("broken feed returned %q", got)
	}
}
