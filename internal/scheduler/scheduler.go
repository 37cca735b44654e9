// Package scheduler fires spontaneous messages at random intervals,
// persisting the next fire time so a restart resumes the countdown instead
// of resetting it.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"faithful/internal/config"
	"faithful/internal/state"
	"faithful/internal/util"
)

const logPrefix = "[scheduler]"

// errBackoff is how long the loop waits after a failed fire.
const errBackoff = time.Hour

// Firer is the chat side of a spontaneous fire.
type Firer interface {
	Spontaneous(ctx context.Context, channelID int64, topic string) error
}

// TopicSource optionally seeds a fire with something to talk about.
type TopicSource interface {
	Topic(ctx context.Context) string
}

// persistedState is the on-disk schedule: the next fire as epoch seconds,
// zero while a fire is in flight.
type persistedState struct {
	NextRun float64 `json:"next_run"`
}

type Scheduler struct {
	cfg    *config.Config
	firer  Firer
	topics TopicSource
	path   string

	mu   sync.Mutex
	rng  *rand.Rand
	next time.Time

	sleepFn func(ctx context.Context, d time.Duration) bool
	nowFn   func() time.Time
}

func New(cfg *config.Config, firer Firer, topics TopicSource, path string, rng *rand.Rand) (*Scheduler, error) {
	s := &Scheduler{
		cfg:     cfg,
		firer:   firer,
		topics:  topics,
		path:    path,
		rng:     rng,
		sleepFn: util.SleepContext,
		nowFn:   time.Now,
	}

	persisted, err := state.LoadJSONFile[persistedState](path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if persisted.NextRun > 0 {
		sec := int64(persisted.NextRun)
		nsec := int64((persisted.NextRun - float64(sec)) * float64(time.Second))
		s.next = time.Unix(sec, nsec)
	}
	return s, nil
}

// Run blocks until ctx ends. Each pass waits out the persisted fire time,
// drawing a fresh random interval when none survives (first run, or the
// zeroed sentinel left by a crash mid-fire), then fires into one randomly
// chosen channel.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		next := s.next
		s.mu.Unlock()

		now := s.nowFn()
		if next.IsZero() || !next.After(now) {
			next = now.Add(s.randomInterval())
			s.setNext(next)
			log.Printf("%s next fire at %s (in %s)", logPrefix, next.Format(time.RFC3339), util.HumanizeDuration(next.Sub(now)))
		} else {
			log.Printf("%s resuming, next fire at %s (in %s)", logPrefix, next.Format(time.RFC3339), util.HumanizeDuration(next.Sub(now)))
		}

		if !s.sleepFn(ctx, next.Sub(now)) {
			return
		}

		// Zero out before firing so a crash mid-fire reschedules fresh
		// instead of replaying the same instant.
		s.setNext(time.Time{})

		if err := s.fire(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("%s fire failed: %v", logPrefix, err)
			if !s.sleepFn(ctx, errBackoff) {
				return
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) error {
	channels := s.cfg.SpontaneousChannels
	if len(channels) == 0 {
		log.Printf("%s no channels configured, skipping fire", logPrefix)
		return nil
	}

	s.mu.Lock()
	channelID := channels[s.rng.Intn(len(channels))]
	s.mu.Unlock()

	topic := ""
	if s.topics != nil {
		topic = s.topics.Topic(ctx)
	}

	if err := s.firer.Spontaneous(ctx, channelID, topic); err != nil {
		return err
	}
	log.Printf("%s fired: channel=%d", logPrefix, channelID)
	return nil
}

// NextRun reports the pending fire time for the status command. ok is false
// while a fire is in flight or before the first schedule.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, !s.next.IsZero()
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = t

	var persisted persistedState
	if !t.IsZero() {
		persisted.NextRun = float64(t.UnixNano()) / float64(time.Second)
	}
	if err := state.SaveJSONFile(s.path, persisted); err != nil {
		log.Printf("%s persist failed: %v", logPrefix, err)
	}
}

func (s *Scheduler) randomInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := time.Duration(s.cfg.SchedulerMinHours * float64(time.Hour))
	max := time.Duration(s.cfg.SchedulerMaxHours * float64(time.Hour))
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}
