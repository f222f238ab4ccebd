// Package progress contains the per-user progress aggregates, the inbound
// interaction event model, its validator, and the pure folding functions that
// apply an event to an aggregate.
package progress

import (
	"encoding/json"
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Depth Levels
// ═══════════════════════════════════════════════════════════════════════════

// DepthLevel is a content granularity tier for a topic.
type DepthLevel string

const (
	DepthSurface   DepthLevel = "surface"
	DepthMid       DepthLevel = "mid-depth"
	DepthDeepWater DepthLevel = "deep-water"
)

// AllDepths lists the canonical depths in rank order.
var AllDepths = []DepthLevel{DepthSurface, DepthMid, DepthDeepWater}

// Rank orders depths: surface=1, mid-depth=2, deep-water=3. Unknown depths rank 0.
func (d DepthLevel) Rank() int {
	switch d {
	case DepthSurface:
		return 1
	case DepthMid:
		return 2
	case DepthDeepWater:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether d is one of the canonical depths.
func (d DepthLevel) IsValid() bool {
	return d.Rank() > 0
}

// ParseDepth converts s into a DepthLevel.
func ParseDepth(s string) (DepthLevel, error) {
	d := DepthLevel(s)
	if !d.IsValid() {
		return "", fmt.Errorf("unknown depth %q", s)
	}
	return d, nil
}

func (d DepthLevel) bit() DepthSet {
	if r := d.Rank(); r > 0 {
		return DepthSet(1 << (r - 1))
	}
	return 0
}

// DepthSet is the set of completed depths. The zero value is the empty set.
type DepthSet uint8

// Add returns the set with d included.
func (s DepthSet) Add(d DepthLevel) DepthSet {
	return s | d.bit()
}

// Has reports whether d is in the set.
func (s DepthSet) Has(d DepthLevel) bool {
	b := d.bit()
	return b != 0 && s&b == b
}

// HasAtLeast reports whether the set holds any depth ranked at or above min.
func (s DepthSet) HasAtLeast(min DepthLevel) bool {
	for _, d := range AllDepths {
		if d.Rank() >= min.Rank() && s.Has(d) {
			return true
		}
	}
	return false
}

// Len returns the number of depths in the set.
func (s DepthSet) Len() int {
	n := 0
	for _, d := range AllDepths {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Levels returns the depths in rank order.
func (s DepthSet) Levels() []DepthLevel {
	out := make([]DepthLevel, 0, 3)
	for _, d := range AllDepths {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// NewDepthSet builds a set from levels, ignoring unknown values.
func NewDepthSet(levels ...DepthLevel) DepthSet {
	var s DepthSet
	for _, d := range levels {
		s = s.Add(d)
	}
	return s
}

// MarshalJSON encodes the set as an ordered array of depth names.
func (s DepthSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Levels())
}

// UnmarshalJSON decodes an array of depth names.
func (s *DepthSet) UnmarshalJSON(data []byte) error {
	var levels []DepthLevel
	if err := json.Unmarshal(data, &levels); err != nil {
		return err
	}
	var out DepthSet
	for _, d := range levels {
		if !d.IsValid() {
			return fmt.Errorf("unknown depth %q", d)
		}
		out = out.Add(d)
	}
	*s = out
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Status
// ═══════════════════════════════════════════════════════════════════════════

// Status is the lifecycle state of a topic or path aggregate.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// IsValid checks the status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Aggregates
// ═══════════════════════════════════════════════════════════════════════════

// TopicProgress is the versioned state of one user's relationship to one topic.
// Status completed implies CompletionPercentage 100. DepthLevelsCompleted only
// grows unless a topic_reset event is applied.
type TopicProgress struct {
	UserID               string    `json:"userId"`
	TopicID              string    `json:"topicId"`
	Status               Status    `json:"status"`
	DepthLevelsCompleted DepthSet  `json:"depthLevelsCompleted"`
	FirstVisited         time.Time `json:"firstVisited"`
	LastVisited          time.Time `json:"lastVisited"`
	TimeSpentSeconds     int64     `json:"timeSpentSeconds"`
	CompletionPercentage int       `json:"completionPercentage"`
	Rating               *int      `json:"rating,omitempty"`
	Bookmarked           bool      `json:"bookmarked"`
	Version              int64     `json:"version"`
}

// NewTopicProgress returns the implicit aggregate for a topic not yet tracked.
func NewTopicProgress(userID, topicID string) TopicProgress {
	return TopicProgress{
		UserID:  userID,
		TopicID: topicID,
		Status:  StatusNotStarted,
	}
}

// IsCompleted reports whether all depths are done.
func (p TopicProgress) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// IsStarted reports whether the user has engaged with the topic at all.
func (p TopicProgress) IsStarted() bool {
	return p.Status == StatusInProgress || p.Status == StatusCompleted
}

// PathProgress is the versioned state of one user on one learning path.
// StepsCompleted is sorted, deduplicated and within [0, TotalSteps).
type PathProgress struct {
	UserID         string    `json:"userId"`
	PathID         string    `json:"pathId"`
	Status         Status    `json:"status"`
	CurrentStep    int       `json:"currentStep"`
	StepsCompleted []int     `json:"stepsCompleted"`
	TotalSteps     int       `json:"totalSteps"`
	LastVisited    time.Time `json:"lastVisited"`
	Version        int64     `json:"version"`
}

// NewPathProgress returns the implicit aggregate for a path not yet tracked.
func NewPathProgress(userID, pathID string, totalSteps int) PathProgress {
	return PathProgress{
		UserID:     userID,
		PathID:     pathID,
		Status:     StatusNotStarted,
		TotalSteps: totalSteps,
	}
}

// HasStep reports whether step is already completed.
func (p PathProgress) HasStep(step int) bool {
	for _, s := range p.StepsCompleted {
		if s == step {
			return true
		}
	}
	return false
}

// Streak tracks consecutive UTC calendar days with at least one accepted event.
// ActiveDays keeps the most recent MaxTrackedDays days, sorted ascending, so the
// aggregate converges regardless of event order.
type Streak struct {
	UserID        string      `json:"userId"`
	CurrentDays   int         `json:"currentDays"`
	BestDays      int         `json:"bestDays"`
	LastActiveDay time.Time   `json:"lastActiveDay"`
	ActiveDays    []time.Time `json:"activeDays"`
	Version       int64       `json:"version"`
}

// MaxTrackedDays bounds the ActiveDays window.
const MaxTrackedDays = 400

// NewStreak returns an empty streak for a user.
func NewStreak(userID string) Streak {
	return Streak{UserID: userID}
}
