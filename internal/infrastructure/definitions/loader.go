// Package definitions loads the catalog, unlock definitions and ranking rules
// from a directory of YAML or JSON files and serves them as one immutable
// bundle that can be swapped atomically on reload.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FILE LAYOUT
// Each source is looked up by base name with a .yaml, .yml or .json extension.
// The catalog is required; the other sources may be absent. yaml.v3 reads JSON
// documents as well, so one decoder serves both formats.
// ══════════════════════════════════════════════════════════════════════════════

const (
	SourceCatalog      = "catalog"
	SourceAchievements = "achievements"
	SourceMilestones   = "milestones"
	SourceBoostRules   = "boost-rules"
	SourceBuryRules    = "bury-rules"
)

var extensions = []string{".yaml", ".yml", ".json"}

// Bundle is one validated, compiled set of definitions.
type Bundle struct {
	Revision    int64
	Catalog     *catalog.Catalog
	Definitions *achievement.Set
	Rules       []ranking.Rule
	Adjuster    *ranking.Adjuster
	Sources     []string
	LoadedAt    time.Time
}

// Counts returns the number of achievements, milestones and rules.
func (b *Bundle) Counts() (achievements, milestones, rules int) {
	return len(b.Definitions.OfKind(achievement.KindAchievement)),
		len(b.Definitions.OfKind(achievement.KindMilestone)),
		len(b.Rules)
}

// ─────────────────────────────────────────────────────────────────────────────
// Document shapes
// ─────────────────────────────────────────────────────────────────────────────

type catalogDoc struct {
	Topics []catalog.Topic `yaml:"topics"`
	Paths  []catalog.Path  `yaml:"paths"`
}

type definitionSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Points      int    `yaml:"points"`
	Criteria    any    `yaml:"criteria"`
}

type ruleSpec struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Persona     string   `yaml:"persona"`
	Filter      any      `yaml:"filter"`
	When        any      `yaml:"when"`
	BoostBy     *float64 `yaml:"boost_by"`
	BuryBy      *float64 `yaml:"bury_by"`
	Weight      *float64 `yaml:"weight"`
}

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

// LoadDir loads a bundle from dir.
func LoadDir(dir string) (*Bundle, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, shared.WrapError("definitions", "Load", shared.ErrConfig, "definitions directory unavailable", err)
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS loads a bundle from fsys. Every problem found is reported in the
// returned error; a bundle is only returned when there are none.
func LoadFS(fsys fs.FS) (*Bundle, error) {
	l := &loader{fsys: fsys}

	cat := l.loadCatalog()
	if cat == nil {
		return nil, l.err()
	}

	var defs []achievement.Definition
	defs = append(defs, l.loadDefinitions(SourceAchievements, achievement.KindAchievement, cat)...)
	defs = append(defs, l.loadDefinitions(SourceMilestones, achievement.KindMilestone, cat)...)

	var rules []ranking.Rule
	rules = append(rules, l.loadRules(SourceBoostRules, ranking.KindBoost, cat)...)
	rules = append(rules, l.loadRules(SourceBuryRules, ranking.KindBury, cat)...)
	l.checkRuleIDs(rules)

	set, err := achievement.NewSet(defs...)
	if err != nil {
		l.add("", err)
	}
	if len(l.errs) > 0 {
		return nil, l.err()
	}

	return &Bundle{
		Catalog:     cat,
		Definitions: set,
		Rules:       rules,
		Adjuster:    ranking.NewAdjuster(rules),
		Sources:     l.sources,
		LoadedAt:    time.Now().UTC(),
	}, nil
}

type loader struct {
	fsys    fs.FS
	sources []string
	errs    []error
}

func (l *loader) add(source string, err error) {
	if source != "" {
		err = fmt.Errorf("%s: %w", source, err)
	}
	l.errs = append(l.errs, err)
}

func (l *loader) err() error {
	return shared.WrapError("definitions", "Load", shared.ErrConfig, "definitions rejected", errors.Join(l.errs...))
}

// read returns the contents of the first file matching base, or nil when none exists.
func (l *loader) read(base string) ([]byte, string) {
	for _, ext := range extensions {
		name := base + ext
		data, err := fs.ReadFile(l.fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			l.add(name, err)
			return nil, name
		}
		l.sources = append(l.sources, name)
		return data, name
	}
	return nil, ""
}

func (l *loader) loadCatalog() *catalog.Catalog {
	data, name := l.read(SourceCatalog)
	if name == "" {
		l.add("", fmt.Errorf("%s file not found", SourceCatalog))
		return nil
	}
	if data == nil {
		return nil
	}

	var doc catalogDoc
	if err := decodeStrict(data, &doc); err != nil {
		l.add(name, err)
		return nil
	}
	cat, err := catalog.New(doc.Topics, doc.Paths)
	if err != nil {
		l.add(name, err)
		return nil
	}
	return cat
}

func (l *loader) loadDefinitions(base string, kind achievement.Kind, cat *catalog.Catalog) []achievement.Definition {
	data, name := l.read(base)
	if data == nil {
		return nil
	}

	var specs []definitionSpec
	if err := decodeList(data, base, &specs); err != nil {
		l.add(name, err)
		return nil
	}

	defs := make([]achievement.Definition, 0, len(specs))
	for i, s := range specs {
		if s.Criteria == nil {
			l.add(name, fmt.Errorf("entry %d (%q): criteria required", i, s.ID))
			continue
		}
		expr, err := criteria.CompileDefinition(s.ID, s.Criteria, criteria.ScopeProgress, cat)
		if err != nil {
			l.add(name, err)
			continue
		}
		d := achievement.Definition{
			ID:          s.ID,
			Kind:        kind,
			Name:        s.Name,
			Description: s.Description,
			Points:      s.Points,
			Criteria:    expr,
		}
		if err := d.Validate(); err != nil {
			l.add(name, err)
			continue
		}
		defs = append(defs, d)
	}
	return defs
}

func (l *loader) loadRules(base string, kind ranking.RuleKind, cat *catalog.Catalog) []ranking.Rule {
	data, name := l.read(base)
	if data == nil {
		return nil
	}

	var specs []ruleSpec
	if err := decodeList(data, "rules", &specs); err != nil {
		l.add(name, err)
		return nil
	}

	rules := make([]ranking.Rule, 0, len(specs))
	for i, s := range specs {
		r, err := compileRule(s, kind, cat)
		if err != nil {
			l.add(name, fmt.Errorf("rule %d (%q): %w", i, s.ID, err))
			continue
		}
		rules = append(rules, r)
	}
	return rules
}

func (l *loader) checkRuleIDs(rules []ranking.Rule) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			l.add("", shared.NewDomainError("ranking", "Load", shared.ErrConfig, fmt.Sprintf("duplicate rule id %q", r.ID)))
		}
		seen[r.ID] = true
	}
}

// compileRule folds persona, filter and when into one condition.
func compileRule(s ruleSpec, kind ranking.RuleKind, cat *catalog.Catalog) (ranking.Rule, error) {
	if !shared.IsSlug(s.ID) {
		return ranking.Rule{}, shared.NewDomainError("ranking", "Load", shared.ErrConfig, "invalid rule id")
	}

	weight, err := ruleWeight(s, kind)
	if err != nil {
		return ranking.Rule{}, err
	}

	var terms []criteria.Expr
	if s.Persona != "" {
		if !shared.IsSlug(s.Persona) {
			return ranking.Rule{}, shared.NewDomainError("ranking", "Load", shared.ErrConfig, "persona must be an identifier")
		}
		terms = append(terms, criteria.PersonaIs{Persona: s.Persona})
	}
	for _, raw := range []any{s.Filter, s.When} {
		if raw == nil {
			continue
		}
		expr, err := criteria.CompileDefinition(s.ID, raw, criteria.ScopeDocument, cat)
		if err != nil {
			return ranking.Rule{}, err
		}
		terms = append(terms, expr)
	}

	var cond criteria.Expr
	switch len(terms) {
	case 0:
		return ranking.Rule{}, shared.NewDomainError("ranking", "Load", shared.ErrConfig, "rule needs a persona, filter or when condition")
	case 1:
		cond = terms[0]
	default:
		cond = criteria.And{Terms: terms}
	}

	return ranking.Rule{
		ID:          s.ID,
		Kind:        kind,
		Description: s.Description,
		Condition:   cond,
		Weight:      weight,
	}, nil
}

func ruleWeight(s ruleSpec, kind ranking.RuleKind) (float64, error) {
	own, other, ownKey := s.BoostBy, s.BuryBy, "boost_by"
	if kind == ranking.KindBury {
		own, other, ownKey = s.BuryBy, s.BoostBy, "bury_by"
	}
	if other != nil {
		return 0, shared.NewDomainError("ranking", "Load", shared.ErrConfig,
			fmt.Sprintf("%s rule may not set the opposite weight key", kind))
	}
	if own != nil && s.Weight != nil {
		return 0, shared.NewDomainError("ranking", "Load", shared.ErrConfig,
			fmt.Sprintf("set either %s or weight, not both", ownKey))
	}
	if own == nil {
		own = s.Weight
	}
	if own == nil || *own == 0 {
		return 0, shared.NewDomainError("ranking", "Load", shared.ErrConfig,
			fmt.Sprintf("%s must be a non-zero number", ownKey))
	}
	return *own, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Decoding
// ─────────────────────────────────────────────────────────────────────────────

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// decodeList accepts either a bare list or a document holding the list under key.
func decodeList[T any](data []byte, key string, out *[]T) error {
	var probe yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if len(probe.Content) == 0 {
		return nil
	}

	switch probe.Content[0].Kind {
	case yaml.SequenceNode:
		return decodeStrict(data, out)
	case yaml.MappingNode:
		var wrapped map[string]yaml.Node
		if err := probe.Content[0].Decode(&wrapped); err != nil {
			return err
		}
		for k := range wrapped {
			if k != key {
				return fmt.Errorf("unknown top-level key %q (expected %q)", k, key)
			}
		}
		inner, ok := wrapped[key]
		if !ok {
			return nil
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		if err := enc.Encode(&inner); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		return decodeStrict(buf.Bytes(), out)
	default:
		return fmt.Errorf("expected a list or a %q document", key)
	}
}
