// Package memory provides in-process implementations of the persistence ports.
// They back tests and single-instance runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

type aggKey struct {
	userID string
	id     string
}

// Store is a progress.Store guarded by a single mutex.
type Store struct {
	mu        sync.RWMutex
	topics    map[aggKey]progress.TopicProgress
	paths     map[aggKey]progress.PathProgress
	streaks   map[string]progress.Streak
	processed map[string]time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		topics:    make(map[aggKey]progress.TopicProgress),
		paths:     make(map[aggKey]progress.PathProgress),
		streaks:   make(map[string]progress.Streak),
		processed: make(map[string]time.Time),
	}
}

var _ progress.Store = (*Store)(nil)

func conflict(kind, id string, expected, actual int64) error {
	return shared.WrapError("memory", "CompareAndSet", shared.ErrConcurrencyConflict,
		fmt.Sprintf("%s %s: expected version %d, stored %d", kind, id, expected, actual),
		shared.ErrVersionMismatch)
}

func (s *Store) GetTopic(ctx context.Context, userID, topicID string) (progress.TopicProgress, error) {
	if err := ctx.Err(); err != nil {
		return progress.TopicProgress{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.topics[aggKey{userID, topicID}]; ok {
		return p, nil
	}
	return progress.NewTopicProgress(userID, topicID), nil
}

func (s *Store) CompareAndSetTopic(ctx context.Context, p progress.TopicProgress, expectedVersion int64, eventID string) (progress.TopicProgress, error) {
	if err := ctx.Err(); err != nil {
		return progress.TopicProgress{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggKey{p.UserID, p.TopicID}
	if cur := s.topics[key].Version; cur != expectedVersion {
		return progress.TopicProgress{}, conflict("topic", p.TopicID, expectedVersion, cur)
	}
	if err := s.markLocked(eventID); err != nil {
		return progress.TopicProgress{}, err
	}
	p.Version = expectedVersion + 1
	if p.Rating != nil {
		r := *p.Rating
		p.Rating = &r
	}
	s.topics[key] = p
	return p, nil
}

func (s *Store) ListTopics(ctx context.Context, userID string) ([]progress.TopicProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []progress.TopicProgress
	for k, p := range s.topics {
		if k.userID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TopicID < out[j].TopicID })
	return out, nil
}

func (s *Store) GetPath(ctx context.Context, userID, pathID string) (progress.PathProgress, error) {
	if err := ctx.Err(); err != nil {
		return progress.PathProgress{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.paths[aggKey{userID, pathID}]; ok {
		p.StepsCompleted = append([]int(nil), p.StepsCompleted...)
		return p, nil
	}
	return progress.NewPathProgress(userID, pathID, 0), nil
}

func (s *Store) CompareAndSetPath(ctx context.Context, p progress.PathProgress, expectedVersion int64, eventID string) (progress.PathProgress, error) {
	if err := ctx.Err(); err != nil {
		return progress.PathProgress{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggKey{p.UserID, p.PathID}
	if cur := s.paths[key].Version; cur != expectedVersion {
		return progress.PathProgress{}, conflict("path", p.PathID, expectedVersion, cur)
	}
	if err := s.markLocked(eventID); err != nil {
		return progress.PathProgress{}, err
	}
	p.Version = expectedVersion + 1
	p.StepsCompleted = append([]int(nil), p.StepsCompleted...)
	s.paths[key] = p
	return p, nil
}

func (s *Store) ListPaths(ctx context.Context, userID string) ([]progress.PathProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []progress.PathProgress
	for k, p := range s.paths {
		if k.userID == userID {
			p.StepsCompleted = append([]int(nil), p.StepsCompleted...)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out, nil
}

func (s *Store) GetStreak(ctx context.Context, userID string) (progress.Streak, error) {
	if err := ctx.Err(); err != nil {
		return progress.Streak{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.streaks[userID]; ok {
		st.ActiveDays = append(st.ActiveDays[:0:0], st.ActiveDays...)
		return st, nil
	}
	return progress.NewStreak(userID), nil
}

func (s *Store) CompareAndSetStreak(ctx context.Context, st progress.Streak, expectedVersion int64) (progress.Streak, error) {
	if err := ctx.Err(); err != nil {
		return progress.Streak{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.streaks[st.UserID].Version; cur != expectedVersion {
		return progress.Streak{}, conflict("streak", st.UserID, expectedVersion, cur)
	}
	st.Version = expectedVersion + 1
	st.ActiveDays = append(st.ActiveDays[:0:0], st.ActiveDays...)
	s.streaks[st.UserID] = st
	return st, nil
}

func (s *Store) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = time.Now()
	}
	return nil
}

// PruneProcessed forgets event IDs marked before the cutoff.
func (s *Store) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.processed {
		if at.Before(before) {
			delete(s.processed, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) markLocked(eventID string) error {
	if eventID == "" {
		return nil
	}
	if _, ok := s.processed[eventID]; ok {
		return shared.ErrEventProcessed
	}
	s.processed[eventID] = time.Now()
	return nil
}
