package progress

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Apply folds a topic-scoped event into agg and returns the new aggregate.
// It never mutates agg and never changes Version; the store owns versioning.
// Replaying an event whose effect is already present returns an equal aggregate.
func Apply(agg TopicProgress, e Event) (TopicProgress, error) {
	if e.Type.Scope() != ScopeTopic {
		return agg, shared.NewDomainError("progress", "Apply", shared.ErrInvalidInput,
			fmt.Sprintf("event type %q does not target a topic", e.Type))
	}
	if agg.TopicID == "" {
		agg = NewTopicProgress(e.UserID, e.TopicID)
	}
	if agg.UserID != e.UserID || agg.TopicID != e.TopicID {
		return agg, shared.NewDomainError("progress", "Apply", shared.ErrInvalidInput,
			"event does not belong to this aggregate")
	}
	if agg.Status == "" {
		agg.Status = StatusNotStarted
	}

	next := agg

	switch e.Type {
	case EventTopicStarted:
		if next.Status == StatusNotStarted {
			next.Status = StatusInProgress
		}

	case EventTopicCompleted:
		if !e.Depth.IsValid() {
			return agg, shared.NewDomainError("progress", "Apply", shared.ErrValidation, "invalid depth")
		}
		next.DepthLevelsCompleted = next.DepthLevelsCompleted.Add(e.Depth)
		next.CompletionPercentage = completionPercentage(next.DepthLevelsCompleted)
		if next.DepthLevelsCompleted.Len() == len(AllDepths) {
			next.Status = StatusCompleted
		} else {
			next.Status = StatusInProgress
		}

	case EventTopicBookmarked:
		next.Bookmarked = e.Bookmark == BookmarkAdd

	case EventTopicReset:
		next.DepthLevelsCompleted = 0
		next.CompletionPercentage = 0
		next.Status = StatusNotStarted

	case EventTopicTimeSpent:
		if e.Seconds < 0 {
			return agg, shared.NewDomainError("progress", "Apply", shared.ErrValidation, "negative seconds")
		}
		if e.Seconds > math.MaxInt64-next.TimeSpentSeconds {
			next.TimeSpentSeconds = math.MaxInt64
		} else {
			next.TimeSpentSeconds += e.Seconds
		}

	case EventTopicRated:
		r, err := shared.NewRating(e.Rating)
		if err != nil {
			return agg, err
		}
		v := r.Int()
		next.Rating = &v
	}

	next.FirstVisited = timeutil.Earliest(next.FirstVisited, e.Timestamp)
	next.LastVisited = timeutil.Latest(next.LastVisited, e.Timestamp)
	return next, nil
}

// completionPercentage is 100 * |depths| / 3.
func completionPercentage(s DepthSet) int {
	return 100 * s.Len() / len(AllDepths)
}

// ApplyPath folds a path-scoped event into agg.
func ApplyPath(agg PathProgress, e Event) (PathProgress, error) {
	if e.Type.Scope() != ScopePath {
		return agg, shared.NewDomainError("progress", "ApplyPath", shared.ErrInvalidInput,
			fmt.Sprintf("event type %q does not target a path", e.Type))
	}
	if agg.PathID == "" {
		agg = NewPathProgress(e.UserID, e.PathID, e.PathSteps)
	}
	if agg.UserID != e.UserID || agg.PathID != e.PathID {
		return agg, shared.NewDomainError("progress", "ApplyPath", shared.ErrInvalidInput,
			"event does not belong to this aggregate")
	}

	next := agg
	next.StepsCompleted = append([]int(nil), agg.StepsCompleted...)
	if next.TotalSteps == 0 {
		next.TotalSteps = e.PathSteps
	}
	if next.Status == "" {
		next.Status = StatusNotStarted
	}

	switch e.Type {
	case EventPathStarted:
		if next.Status == StatusNotStarted {
			next.Status = StatusInProgress
		}

	case EventPathStepCompleted:
		if e.Step < 0 || e.Step >= next.TotalSteps {
			return agg, shared.NewDomainError("progress", "ApplyPath", shared.ErrValueOutOfRange,
				fmt.Sprintf("step %d outside [0, %d)", e.Step, next.TotalSteps))
		}
		if !next.HasStep(e.Step) {
			next.StepsCompleted = append(next.StepsCompleted, e.Step)
			sort.Ints(next.StepsCompleted)
		}
		if len(next.StepsCompleted) == next.TotalSteps {
			next.Status = StatusCompleted
		} else {
			next.Status = StatusInProgress
		}
	}

	next.CurrentStep = firstIncompleteStep(next)
	next.LastVisited = timeutil.Latest(next.LastVisited, e.Timestamp)
	return next, nil
}

// firstIncompleteStep is the smallest step not completed, or TotalSteps when all are done.
func firstIncompleteStep(p PathProgress) int {
	for i := 0; i < p.TotalSteps; i++ {
		if !p.HasStep(i) {
			return i
		}
	}
	return p.TotalSteps
}

// ApplyStreak records the UTC day of ts. The bool is false when the day was
// already recorded and s is returned unchanged.
func ApplyStreak(s Streak, ts time.Time) (Streak, bool) {
	day := timeutil.StartOfDay(ts)

	next := s
	next.ActiveDays = append([]time.Time(nil), s.ActiveDays...)

	i := sort.Search(len(next.ActiveDays), func(i int) bool { return !next.ActiveDays[i].Before(day) })
	if i < len(next.ActiveDays) && next.ActiveDays[i].Equal(day) {
		return s, false
	}
	next.ActiveDays = append(next.ActiveDays, time.Time{})
	copy(next.ActiveDays[i+1:], next.ActiveDays[i:])
	next.ActiveDays[i] = day

	if len(next.ActiveDays) > MaxTrackedDays {
		next.ActiveDays = next.ActiveDays[len(next.ActiveDays)-MaxTrackedDays:]
	}

	current, best := streakRuns(next.ActiveDays)
	next.CurrentDays = current
	if best > next.BestDays {
		next.BestDays = best
	}
	next.LastActiveDay = next.ActiveDays[len(next.ActiveDays)-1]
	return next, true
}

// streakRuns returns the run ending at the last day and the longest run.
func streakRuns(days []time.Time) (current, best int) {
	run := 0
	for i, d := range days {
		if i > 0 && timeutil.IsConsecutiveDay(days[i-1], d) {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return run, best
}

// CurrentAsOf returns the streak length still alive at asOf: the last active
// day must be asOf's day or the day before. A zero asOf returns CurrentDays.
func (s Streak) CurrentAsOf(asOf time.Time) int {
	if asOf.IsZero() || s.LastActiveDay.IsZero() {
		return s.CurrentDays
	}
	if timeutil.IsSameDay(s.LastActiveDay, asOf) || timeutil.IsConsecutiveDay(s.LastActiveDay, asOf) {
		return s.CurrentDays
	}
	if s.LastActiveDay.After(asOf) {
		return s.CurrentDays
	}
	return 0
}

// TopicChanged reports whether two topic aggregates differ in any persisted field
// other than Version.
func TopicChanged(a, b TopicProgress) bool {
	if a.Status != b.Status ||
		a.DepthLevelsCompleted != b.DepthLevelsCompleted ||
		!a.FirstVisited.Equal(b.FirstVisited) ||
		!a.LastVisited.Equal(b.LastVisited) ||
		a.TimeSpentSeconds != b.TimeSpentSeconds ||
		a.CompletionPercentage != b.CompletionPercentage ||
		a.Bookmarked != b.Bookmarked {
		return true
	}
	switch {
	case a.Rating == nil && b.Rating == nil:
		return false
	case a.Rating == nil || b.Rating == nil:
		return true
	default:
		return *a.Rating != *b.Rating
	}
}

// PathChanged reports whether two path aggregates differ in any persisted field
// other than Version.
func PathChanged(a, b PathProgress) bool {
	if a.Status != b.Status || a.CurrentStep != b.CurrentStep ||
		a.TotalSteps != b.TotalSteps || !a.LastVisited.Equal(b.LastVisited) ||
		len(a.StepsCompleted) != len(b.StepsCompleted) {
		return true
	}
	for i := range a.StepsCompleted {
		if a.StepsCompleted[i] != b.StepsCompleted[i] {
			return true
		}
	}
	return false
}
