// Package catalog holds the static content metadata the engine validates against:
// which topics and learning paths exist, their tags, phases and step counts.
// The catalog is immutable once built; a reload produces a new Catalog.
package catalog

import (
	"fmt"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Topic describes one content topic.
type Topic struct {
	ID    string   `json:"id" yaml:"id"`
	Title string   `json:"title" yaml:"title"`
	Phase string   `json:"phase" yaml:"phase"`
	Tags  []string `json:"tags" yaml:"tags"`
}

// Path describes a learning path with a fixed number of steps.
type Path struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Phase      string `json:"phase,omitempty" yaml:"phase"`
	TotalSteps int    `json:"totalSteps" yaml:"totalSteps"`
}

// Catalog is an immutable index over topics and paths.
type Catalog struct {
	topics  map[string]Topic
	paths   map[string]Path
	byTag   map[string][]string
	byPhase map[string][]string
}

// New builds a Catalog. Duplicate IDs, empty IDs and paths without steps are rejected.
func New(topics []Topic, paths []Path) (*Catalog, error) {
	c := &Catalog{
		topics:  make(map[string]Topic, len(topics)),
		paths:   make(map[string]Path, len(paths)),
		byTag:   make(map[string][]string),
		byPhase: make(map[string][]string),
	}

	for _, t := range topics {
		if !shared.IsSlug(t.ID) {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrConfig, fmt.Sprintf("invalid topic id %q", t.ID))
		}
		if _, dup := c.topics[t.ID]; dup {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrConfig, fmt.Sprintf("duplicate topic id %q", t.ID))
		}
		t.Tags = append([]string(nil), t.Tags...)
		c.topics[t.ID] = t
		for _, tag := range t.Tags {
			c.byTag[tag] = append(c.byTag[tag], t.ID)
		}
		if t.Phase != "" {
			c.byPhase[t.Phase] = append(c.byPhase[t.Phase], t.ID)
		}
	}

	for _, p := range paths {
		if !shared.IsSlug(p.ID) {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrConfig, fmt.Sprintf("invalid path id %q", p.ID))
		}
		if _, dup := c.paths[p.ID]; dup {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrConfig, fmt.Sprintf("duplicate path id %q", p.ID))
		}
		if p.TotalSteps <= 0 {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrConfig, fmt.Sprintf("path %q must have at least one step", p.ID))
		}
		c.paths[p.ID] = p
	}

	for _, ids := range c.byTag {
		sort.Strings(ids)
	}
	for _, ids := range c.byPhase {
		sort.Strings(ids)
	}
	return c, nil
}

// Empty returns a catalog with no content.
func Empty() *Catalog {
	c, _ := New(nil, nil)
	return c
}

// Topic looks up a topic by ID.
func (c *Catalog) Topic(id string) (Topic, bool) {
	t, ok := c.topics[id]
	return t, ok
}

// HasTopic reports whether the topic exists.
func (c *Catalog) HasTopic(id string) bool {
	_, ok := c.topics[id]
	return ok
}

// Path looks up a path by ID.
func (c *Catalog) Path(id string) (Path, bool) {
	p, ok := c.paths[id]
	return p, ok
}

// PathSteps returns the step count of a path, or false if the path is unknown.
func (c *Catalog) PathSteps(id string) (int, bool) {
	p, ok := c.paths[id]
	return p.TotalSteps, ok
}

// HasTag reports whether at least one topic carries tag.
func (c *Catalog) HasTag(tag string) bool {
	return len(c.byTag[tag]) > 0
}

// TopicsWithTag returns the sorted IDs of topics carrying tag.
func (c *Catalog) TopicsWithTag(tag string) []string {
	return c.byTag[tag]
}

// HasPhase reports whether at least one topic belongs to phase.
func (c *Catalog) HasPhase(phase string) bool {
	return len(c.byPhase[phase]) > 0
}

// TopicsInPhase returns the sorted IDs of topics in phase.
func (c *Catalog) TopicsInPhase(phase string) []string {
	return c.byPhase[phase]
}

// Topics returns all topics ordered by ID.
func (c *Catalog) Topics() []Topic {
	out := make([]Topic, 0, len(c.topics))
	for _, t := range c.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Paths returns all paths ordered by ID.
func (c *Catalog) Paths() []Path {
	out := make([]Path, 0, len(c.paths))
	for _, p := range c.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of topics and paths.
func (c *Catalog) Size() (topics, paths int) {
	return len(c.topics), len(c.paths)
}
