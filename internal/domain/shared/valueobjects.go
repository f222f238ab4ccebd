// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// Catalog identifiers are kebab-case slugs ("job-to-be-done", "threat-modeling").
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)

// IsSlug reports whether s is a valid catalog identifier.
func IsSlug(s string) bool {
	return slugRegex.MatchString(s)
}

// UserID is an opaque identity key owned by the auth collaborator.
type UserID string

// IsValid checks that the ID is non-empty and bounded.
func (u UserID) IsValid() bool {
	s := strings.TrimSpace(string(u))
	return s != "" && len(s) <= 256
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// NewUserID creates a UserID with validation.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if !uid.IsValid() {
		return "", NewDomainError("shared", "NewUserID", ErrInvalidID, "invalid user ID")
	}
	return uid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Rating Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Rating represents a topic rating value (1-5).
type Rating int

const (
	MinRating Rating = 1
	MaxRating Rating = 5
)

// IsValid checks if the rating is within valid range.
func (r Rating) IsValid() bool {
	return r >= MinRating && r <= MaxRating
}

// Int returns the underlying int value.
func (r Rating) Int() int {
	return int(r)
}

// NewRating creates a new Rating with validation.
func NewRating(value int) (Rating, error) {
	if value < int(MinRating) || value > int(MaxRating) {
		return 0, ErrInvalidRating
	}
	return Rating(value), nil
}
