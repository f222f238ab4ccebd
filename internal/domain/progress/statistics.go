package progress

// CountField names a countable statistic usable in unlock criteria.
type CountField string

const (
	FieldTopicsStarted            CountField = "topics_started"
	FieldTopicsCompleted          CountField = "topics_completed"
	FieldSurfaceCompleted         CountField = "surface_completed"
	FieldMidDepthCompleted        CountField = "mid_depth_completed"
	FieldDeepWaterTopicsCompleted CountField = "deep_water_topics_completed"
	FieldPathsCompleted           CountField = "paths_completed"
	FieldBookmarks                CountField = "bookmarks"
	FieldRatingsGiven             CountField = "ratings_given"
	FieldTimeSpentMinutes         CountField = "time_spent_minutes"
)

// CountFields lists every supported field.
var CountFields = []CountField{
	FieldTopicsStarted,
	FieldTopicsCompleted,
	FieldSurfaceCompleted,
	FieldMidDepthCompleted,
	FieldDeepWaterTopicsCompleted,
	FieldPathsCompleted,
	FieldBookmarks,
	FieldRatingsGiven,
	FieldTimeSpentMinutes,
}

// IsValid reports whether f is a known field.
func (f CountField) IsValid() bool {
	for _, k := range CountFields {
		if k == f {
			return true
		}
	}
	return false
}

// Statistics is the summary block of the progress read model.
type Statistics struct {
	TopicsStarted            int `json:"topicsStarted"`
	TopicsCompleted          int `json:"topicsCompleted"`
	SurfaceCompleted         int `json:"surfaceCompleted"`
	MidDepthCompleted        int `json:"midDepthCompleted"`
	DeepWaterTopicsCompleted int `json:"deepWaterTopicsCompleted"`
	PathsStarted             int `json:"pathsStarted"`
	PathsCompleted           int `json:"pathsCompleted"`
	Bookmarks                int `json:"bookmarks"`
	RatingsGiven             int `json:"ratingsGiven"`
	TimeSpentMinutes         int `json:"timeSpentMinutes"`
	CurrentStreak            int `json:"currentStreak"`
	BestStreak               int `json:"bestStreak"`
}

// Summarize computes Statistics from a user's aggregates.
func Summarize(topics []TopicProgress, paths []PathProgress, streak Streak) Statistics {
	var s Statistics
	var seconds int64
	for _, t := range topics {
		if t.IsStarted() || t.DepthLevelsCompleted.Len() > 0 {
			s.TopicsStarted++
		}
		if t.IsCompleted() {
			s.TopicsCompleted++
		}
		if t.DepthLevelsCompleted.Has(DepthSurface) {
			s.SurfaceCompleted++
		}
		if t.DepthLevelsCompleted.Has(DepthMid) {
			s.MidDepthCompleted++
		}
		if t.DepthLevelsCompleted.Has(DepthDeepWater) {
			s.DeepWaterTopicsCompleted++
		}
		if t.Bookmarked {
			s.Bookmarks++
		}
		if t.Rating != nil {
			s.RatingsGiven++
		}
		seconds += t.TimeSpentSeconds
	}
	for _, p := range paths {
		if p.Status != StatusNotStarted && p.Status != "" {
			s.PathsStarted++
		}
		if p.Status == StatusCompleted {
			s.PathsCompleted++
		}
	}
	s.TimeSpentMinutes = int(seconds / 60)
	s.CurrentStreak = streak.CurrentDays
	s.BestStreak = streak.BestDays
	return s
}

// Count returns the value of a named field.
func (s Statistics) Count(f CountField) (int, bool) {
	switch f {
	case FieldTopicsStarted:
		return s.TopicsStarted, true
	case FieldTopicsCompleted:
		return s.TopicsCompleted, true
	case FieldSurfaceCompleted:
		return s.SurfaceCompleted, true
	case FieldMidDepthCompleted:
		return s.MidDepthCompleted, true
	case FieldDeepWaterTopicsCompleted:
		return s.DeepWaterTopicsCompleted, true
	case FieldPathsCompleted:
		return s.PathsCompleted, true
	case FieldBookmarks:
		return s.Bookmarks, true
	case FieldRatingsGiven:
		return s.RatingsGiven, true
	case FieldTimeSpentMinutes:
		return s.TimeSpentMinutes, true
	default:
		return 0, false
	}
}
