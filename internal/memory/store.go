// Package memory holds long-term facts about users and channels, one JSON
// file per subject under the data directory. Every mutation saves
// immediately; losing a fact to a crash would defeat the point of
// remembering it.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"faithful/internal/state"
)

const (
	// Oldest facts are dropped first once a subject hits its cap.
	maxUserFacts    = 20
	maxChannelFacts = 50
)

// ErrIndexOutOfRange rejects fact removals past the end of a list.
var ErrIndexOutOfRange = errors.New("index out of range")

type userRecord struct {
	Name  string   `json:"name"`
	Facts []string `json:"facts"`
}

type channelRecord struct {
	Memories []string `json:"memories"`
}

// Store reads and writes the per-user and per-channel memory files.
type Store struct {
	usersDir    string
	channelsDir string

	mu sync.Mutex
}

func Open(dir string) (*Store, error) {
	s := &Store{
		usersDir:    filepath.Join(dir, "users"),
		channelsDir: filepath.Join(dir, "channels"),
	}
	for _, d := range []string{s.usersDir, s.channelsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) userPath(userID int64) string {
	return filepath.Join(s.usersDir, strconv.FormatInt(userID, 10)+".json")
}

func (s *Store) channelPath(channelID int64) string {
	return filepath.Join(s.channelsDir, strconv.FormatInt(channelID, 10)+".json")
}

func (s *Store) loadUserLocked(userID int64) userRecord {
	rec, err := state.LoadJSONFile[userRecord](s.userPath(userID))
	if err != nil {
		return userRecord{}
	}
	return rec
}

func (s *Store) loadChannelLocked(channelID int64) channelRecord {
	rec, err := state.LoadJSONFile[channelRecord](s.channelPath(channelID))
	if err != nil {
		return channelRecord{}
	}
	return rec
}

// RememberUser stores a fact about a user and refreshes the display name we
// know them by. Facts beyond the cap push out the oldest.
func (s *Store) RememberUser(userID int64, name, fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("empty fact")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadUserLocked(userID)
	if name = strings.TrimSpace(name); name != "" {
		rec.Name = name
	}
	rec.Facts = append(rec.Facts, fact)
	if len(rec.Facts) > maxUserFacts {
		rec.Facts = rec.Facts[len(rec.Facts)-maxUserFacts:]
	}
	return state.SaveJSONFileIndented(s.userPath(userID), rec)
}

// RememberChannel stores a fact about a channel, capped FIFO like user facts.
func (s *Store) RememberChannel(channelID int64, fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("empty fact")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadChannelLocked(channelID)
	rec.Memories = append(rec.Memories, fact)
	if len(rec.Memories) > maxChannelFacts {
		rec.Memories = rec.Memories[len(rec.Memories)-maxChannelFacts:]
	}
	return state.SaveJSONFileIndented(s.channelPath(channelID), rec)
}

// UserMemories returns the remembered facts for a user, oldest first.
func (s *Store) UserMemories(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUserLocked(userID).Facts
}

// UserName returns the last display name recorded for a user.
func (s *Store) UserName(userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUserLocked(userID).Name
}

// FindUserByName resolves a display name back to a user ID,
// case-insensitively, scanning the stored records.
func (s *Store) FindUserByName(name string) (int64, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.allUsersLocked() {
		if strings.ToLower(rec.Name) == name {
			return id, true
		}
	}
	return 0, false
}

// ChannelMemories returns the remembered facts for a channel, oldest first.
func (s *Store) ChannelMemories(channelID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadChannelLocked(channelID).Memories
}

// RemoveUserFact deletes a user's fact by 1-based index and returns it.
func (s *Store) RemoveUserFact(userID int64, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadUserLocked(userID)
	if index < 1 || index > len(rec.Facts) {
		return "", fmt.Errorf("%w: have %d facts", ErrIndexOutOfRange, len(rec.Facts))
	}
	removed := rec.Facts[index-1]
	rec.Facts = append(rec.Facts[:index-1], rec.Facts[index:]...)
	return removed, state.SaveJSONFileIndented(s.userPath(userID), rec)
}

// RemoveChannelFact deletes a channel's fact by 1-based index and returns it.
func (s *Store) RemoveChannelFact(channelID int64, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadChannelLocked(channelID)
	if index < 1 || index > len(rec.Memories) {
		return "", fmt.Errorf("%w: have %d memories", ErrIndexOutOfRange, len(rec.Memories))
	}
	removed := rec.Memories[index-1]
	rec.Memories = append(rec.Memories[:index-1], rec.Memories[index:]...)
	return removed, state.SaveJSONFileIndented(s.channelPath(channelID), rec)
}

// KnownUsers returns id -> name for every user with a memory file.
func (s *Store) KnownUsers() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string)
	for id, rec := range s.allUsersLocked() {
		out[id] = rec.Name
	}
	return out
}

// Stats reports subject and fact counts for the status command.
func (s *Store) Stats() (users, channels, facts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.allUsersLocked() {
		users++
		facts += len(rec.Facts)
	}
	for _, id := range s.listIDs(s.channelsDir) {
		channels++
		facts += len(s.loadChannelLocked(id).Memories)
	}
	return users, channels, facts
}

// ClearUser forgets everything about one user. Returns how many facts went.
func (s *Store) ClearUser(userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadUserLocked(userID)
	n := len(rec.Facts)
	if n == 0 && rec.Name == "" {
		return 0, nil
	}
	return n, os.Remove(s.userPath(userID))
}

// ClearChannel forgets everything about one channel.
func (s *Store) ClearChannel(channelID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.loadChannelLocked(channelID).Memories)
	if n == 0 {
		return 0, nil
	}
	return n, os.Remove(s.channelPath(channelID))
}

// ClearAll wipes the whole store.
func (s *Store) ClearAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.allUsersLocked() {
		n += len(rec.Facts)
		if err := os.Remove(s.userPath(id)); err != nil {
			return n, err
		}
	}
	for _, id := range s.listIDs(s.channelsDir) {
		n += len(s.loadChannelLocked(id).Memories)
		if err := os.Remove(s.channelPath(id)); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) allUsersLocked() map[int64]userRecord {
	out := make(map[int64]userRecord)
	for _, id := range s.listIDs(s.usersDir) {
		out[id] = s.loadUserLocked(id)
	}
	return out
}

func (s *Store) listIDs(dir string) []int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []int64
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
