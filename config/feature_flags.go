package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags holds rollout toggles. A feature is either off, on for
// everyone, or on for a stable percentage of users.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Per-user overrides for support and debugging.
	userOverrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Users are bucketed by a hash of their ID.
	RolloutPercent int
}

// Feature names.
const (
	// Re-order search results with the boost and bury rules.
	FeatureRankingPersonalize = "ranking.personalize"

	// Send a notification for each new unlock.
	FeatureUnlockNotifications = "unlock.notifications"

	// Reload definitions when their files change.
	FeatureDefinitionsWatch = "definitions.watch"

	// Serve POST /v1/admin/reload.
	FeatureAdminReload = "admin.reload"
)

// LoadFeatureFlags builds the defaults and applies FEATURE_* overrides from
// environ, or from the process environment when environ is nil.
func LoadFeatureFlags(environ map[string]string) *FeatureFlags {
	ff := &FeatureFlags{
		features:      make(map[string]*Feature),
		userOverrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()

	lookup := os.Getenv
	if environ != nil {
		lookup = func(key string) string { return environ[key] }
	}
	ff.loadFromEnvironment(lookup)
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	for _, f := range []Feature{
		{Name: FeatureRankingPersonalize, Description: "Personalized search ordering", Enabled: true, RolloutPercent: 100},
		{Name: FeatureUnlockNotifications, Description: "Unlock notifications", Enabled: true, RolloutPercent: 100},
		{Name: FeatureDefinitionsWatch, Description: "Hot reload on file change", Enabled: true, RolloutPercent: 100},
		{Name: FeatureAdminReload, Description: "Reload endpoint", Enabled: true, RolloutPercent: 100},
	} {
		ff.features[f.Name] = &f
	}
}

// loadFromEnvironment applies overrides.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_RANKING_PERSONALIZE=25
func (ff *FeatureFlags) loadFromEnvironment(lookup func(string) string) {
	for name, feature := range ff.features {
		val := strings.TrimSpace(lookup(featureNameToEnvKey(name)))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			feature.RolloutPercent = 0
			if b {
				feature.RolloutPercent = 100
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// "ranking.personalize" -> "FEATURE_RANKING_PERSONALIZE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks a feature for one user. An empty userID asks about the
// feature as a whole: partial rollouts count as on.
func (ff *FeatureFlags) IsEnabled(featureName, userID string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if userID != "" {
		if overrides, ok := ff.userOverrides[userID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}
	if feature.RolloutPercent < 100 && userID != "" {
		return inRollout(userID, featureName, feature.RolloutPercent)
	}
	return feature.RolloutPercent > 0
}

// inRollout keeps a user in the same bucket across restarts.
func inRollout(userID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(userID))
	return int(h.Sum32()%100) < percent
}

// Gate returns a per-user check for one feature.
func (ff *FeatureFlags) Gate(featureName string) func(userID string) bool {
	return func(userID string) bool { return ff.IsEnabled(featureName, userID) }
}

// SetUserOverride forces a feature on or off for one user.
func (ff *FeatureFlags) SetUserOverride(userID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.userOverrides[userID]; !ok {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// All returns a copy of every feature.
func (ff *FeatureFlags) All() map[string]Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make(map[string]Feature, len(ff.features))
	for k, v := range ff.features {
		out[k] = *v
	}
	return out
}

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
