package progress

import (
	"context"
)

// Store is the narrow accessor over durable per-user progress state.
//
// Reads of an aggregate that does not exist return the implicit aggregate with
// Version 0 and no error. Writes are compare-and-set on Version: the write only
// lands if the stored version equals expectedVersion (0 meaning "absent"), and the
// returned aggregate carries the new version. A mismatch returns an error matching
// shared.ErrConcurrencyConflict.
//
// The eventID passed to the topic and path writes is recorded as processed in the
// same atomic step; if it was already recorded the write is refused with an error
// matching shared.ErrAlreadyProcessed.
type Store interface {
	GetTopic(ctx context.Context, userID, topicID string) (TopicProgress, error)
	CompareAndSetTopic(ctx context.Context, p TopicProgress, expectedVersion int64, eventID string) (TopicProgress, error)
	ListTopics(ctx context.Context, userID string) ([]TopicProgress, error)

	GetPath(ctx context.Context, userID, pathID string) (PathProgress, error)
	CompareAndSetPath(ctx context.Context, p PathProgress, expectedVersion int64, eventID string) (PathProgress, error)
	ListPaths(ctx context.Context, userID string) ([]PathProgress, error)

	GetStreak(ctx context.Context, userID string) (Streak, error)
	CompareAndSetStreak(ctx context.Context, s Streak, expectedVersion int64) (Streak, error)

	// HasProcessed reports whether eventID has already been applied.
	HasProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records eventID. Recording an already-known ID is not an error.
	MarkProcessed(ctx context.Context, eventID string) error
}

// Snapshot is everything the store holds for one user.
type Snapshot struct {
	UserID string
	Topics []TopicProgress
	Paths  []PathProgress
	Streak Streak
}

// LoadSnapshot reads every aggregate for userID.
func LoadSnapshot(ctx context.Context, store Store, userID string) (Snapshot, error) {
	topics, err := store.ListTopics(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	paths, err := store.ListPaths(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	streak, err := store.GetStreak(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{UserID: userID, Topics: topics, Paths: paths, Streak: streak}, nil
}
