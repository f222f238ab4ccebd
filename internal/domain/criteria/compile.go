package criteria

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/alem-hub/progress-engine/internal/domain/catalog"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ConfigError reports a malformed criteria expression.
// It matches shared.ErrConfig, and Kind when set (e.g. shared.ErrUnknownReference).
type ConfigError struct {
	Definition string
	Path       string
	Reason     string
	Kind       error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid criteria")
	if e.Definition != "" {
		fmt.Fprintf(&b, " in %q", e.Definition)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Is implements errors.Is() matching.
func (e *ConfigError) Is(target error) bool {
	if target == shared.ErrConfig {
		return true
	}
	return e.Kind != nil && errors.Is(e.Kind, target)
}

type compiler struct {
	scope   Scope
	catalog *catalog.Catalog
}

func (c *compiler) fail(path, format string, args ...any) error {
	return &ConfigError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (c *compiler) unknown(path, what, id string) error {
	return &ConfigError{Path: path, Reason: fmt.Sprintf("unknown %s %q", what, id), Kind: shared.ErrUnknownReference}
}

// Compile turns the decoded JSON/YAML shape of a criteria expression into an Expr.
//
// Accepted shapes:
//
//	{all: [...]} / {and: [...]}        conjunction
//	{any: [...]} / {or: [...]}         disjunction
//	{count: {field, atLeast}}          or the shorthand {<field>: n}
//	{allOf: {tag, minDepth}}
//	{phaseCoverage: {phases, threshold}}
//	{streak: n} / {streak: {days}}
//	{depth: d} {persona: p} {phase: p} {tag: t}       document scope
//	{bookmarked: true} {completed: true} {inCurrentPhase: true}
//	"key:value" / "key"                string form of a single document predicate
//
// A map with several keys is the conjunction of its keys in sorted order.
func Compile(raw any, scope Scope, cat *catalog.Catalog) (Expr, error) {
	if cat == nil {
		cat = catalog.Empty()
	}
	c := &compiler{scope: scope, catalog: cat}
	return c.compile(raw, "$")
}

// CompileDefinition is Compile with the definition ID attached to any error.
func CompileDefinition(id string, raw any, scope Scope, cat *catalog.Catalog) (Expr, error) {
	expr, err := Compile(raw, scope, cat)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Definition = id
		}
		return nil, err
	}
	return expr, nil
}

func (c *compiler) compile(raw any, path string) (Expr, error) {
	switch v := raw.(type) {
	case nil:
		return nil, c.fail(path, "empty expression")
	case string:
		return c.compileString(v, path)
	case map[string]any:
		return c.compileMap(v, path)
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, c.fail(path, "non-string key %v", k)
			}
			m[ks] = val
		}
		return c.compileMap(m, path)
	case []any:
		return nil, c.fail(path, "bare list; wrap it in all/any")
	default:
		return nil, c.fail(path, "unsupported value of type %T", raw)
	}
}

func (c *compiler) compileString(s, path string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, c.fail(path, "empty expression")
	}
	key, val, hasVal := strings.Cut(s, ":")
	if !hasVal {
		return c.compileKey(key, true, path)
	}
	key, val = strings.TrimSpace(key), strings.TrimSpace(val)
	if c.scope == ScopeProgress {
		if n, err := strconv.Atoi(val); err == nil {
			return c.compileKey(key, n, path)
		}
	}
	return c.compileKey(key, val, path)
}

func (c *compiler) compileMap(m map[string]any, path string) (Expr, error) {
	if len(m) == 0 {
		return nil, c.fail(path, "empty expression")
	}
	if len(m) == 1 {
		for k, v := range m {
			return c.compileKey(k, v, path)
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]Expr, 0, len(keys))
	for _, k := range keys {
		e, err := c.compileKey(k, m[k], path)
		if err != nil {
			return nil, err
		}
		terms = append(terms, e)
	}
	return And{Terms: terms}, nil
}

func (c *compiler) compileKey(key string, v any, parent string) (Expr, error) {
	path := parent + "." + key

	switch key {
	case "all", "and":
		terms, err := c.compileList(v, path)
		if err != nil {
			return nil, err
		}
		return And{Terms: terms}, nil

	case "any", "or":
		terms, err := c.compileList(v, path)
		if err != nil {
			return nil, err
		}
		return Or{Terms: terms}, nil
	}

	if c.scope == ScopeProgress {
		return c.compileProgressKey(key, v, path)
	}
	return c.compileDocumentKey(key, v, path)
}

func (c *compiler) compileList(v any, path string) ([]Expr, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, c.fail(path, "expected a list")
	}
	if len(items) == 0 {
		return nil, c.fail(path, "empty composite")
	}
	terms := make([]Expr, 0, len(items))
	for i, item := range items {
		e, err := c.compile(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		terms = append(terms, e)
	}
	return terms, nil
}

func (c *compiler) compileProgressKey(key string, v any, path string) (Expr, error) {
	switch key {
	case "count":
		obj, err := c.object(v, path, "field", "atLeast")
		if err != nil {
			return nil, err
		}
		field, _ := obj["field"].(string)
		return c.countAtLeast(field, obj["atLeast"], path)

	case "allOf":
		obj, err := c.object(v, path, "tag", "minDepth")
		if err != nil {
			return nil, err
		}
		tag, _ := obj["tag"].(string)
		if tag == "" {
			return nil, c.fail(path+".tag", "required")
		}
		if !c.catalog.HasTag(tag) {
			return nil, c.unknown(path+".tag", "tag", tag)
		}
		depth := progress.DepthSurface
		if raw, ok := obj["minDepth"]; ok {
			s, _ := raw.(string)
			d, err := progress.ParseDepth(s)
			if err != nil {
				return nil, c.fail(path+".minDepth", "%v", err)
			}
			depth = d
		}
		return AllOf{Tag: tag, MinDepth: depth}, nil

	case "phaseCoverage":
		obj, err := c.object(v, path, "phases", "threshold")
		if err != nil {
			return nil, err
		}
		list, ok := obj["phases"].([]any)
		if !ok || len(list) == 0 {
			return nil, c.fail(path+".phases", "expected a non-empty list")
		}
		phases := make([]string, 0, len(list))
		for _, p := range list {
			s, ok := p.(string)
			if !ok || s == "" {
				return nil, c.fail(path+".phases", "phase names must be strings")
			}
			if !c.catalog.HasPhase(s) {
				return nil, c.unknown(path+".phases", "phase", s)
			}
			phases = append(phases, s)
		}
		threshold, ok := toInt(obj["threshold"])
		if !ok || threshold < 1 || threshold > 100 {
			return nil, c.fail(path+".threshold", "must be an integer in [1, 100]")
		}
		return PhaseCoverage{Phases: phases, Threshold: threshold}, nil

	case "streak":
		if obj, isObj := asObject(v); isObj {
			checked, err := c.object(obj, path, "days")
			if err != nil {
				return nil, err
			}
			v = checked["days"]
		}
		days, ok := toInt(v)
		if !ok || days < 1 {
			return nil, c.fail(path, "days must be a positive integer")
		}
		return StreakAtLeast{Days: days}, nil
	}

	if progress.CountField(key).IsValid() {
		return c.countAtLeast(key, v, path)
	}
	if isDocumentKey(key) {
		return nil, c.fail(path, "%q is only allowed in ranking rules", key)
	}
	return nil, c.fail(path, "unknown criteria kind %q", key)
}

func (c *compiler) countAtLeast(field string, v any, path string) (Expr, error) {
	f := progress.CountField(field)
	if !f.IsValid() {
		return nil, c.fail(path, "unknown count field %q", field)
	}
	n, ok := toInt(v)
	if !ok || n < 0 {
		return nil, c.fail(path, "count must be a non-negative integer")
	}
	return CountAtLeast{Field: f, N: n}, nil
}

func isDocumentKey(key string) bool {
	switch key {
	case "depth", "persona", "bookmarked", "completed", "inCurrentPhase", "phase", "tag":
		return true
	}
	return false
}

func (c *compiler) compileDocumentKey(key string, v any, path string) (Expr, error) {
	switch key {
	case "depth":
		s, _ := v.(string)
		d, err := progress.ParseDepth(s)
		if err != nil {
			return nil, c.fail(path, "%v", err)
		}
		return DocDepthIs{Depth: d}, nil

	case "persona":
		s, _ := v.(string)
		if !shared.IsSlug(s) {
			return nil, c.fail(path, "persona must be a non-empty identifier")
		}
		return PersonaIs{Persona: s}, nil

	case "phase":
		s, _ := v.(string)
		if !c.catalog.HasPhase(s) {
			return nil, c.unknown(path, "phase", s)
		}
		return DocPhaseIs{Phase: s}, nil

	case "tag":
		s, _ := v.(string)
		if !c.catalog.HasTag(s) {
			return nil, c.unknown(path, "tag", s)
		}
		return DocTagIs{Tag: s}, nil

	case "bookmarked", "completed", "inCurrentPhase":
		if b, ok := toBool(v); !ok || !b {
			return nil, c.fail(path, "only true is supported")
		}
		switch key {
		case "bookmarked":
			return DocBookmarked{}, nil
		case "completed":
			return DocCompleted{}, nil
		default:
			return DocInCurrentPhase{}, nil
		}
	}

	if key == "count" || key == "allOf" || key == "phaseCoverage" || key == "streak" || progress.CountField(key).IsValid() {
		return nil, c.fail(path, "%q is only allowed in unlock criteria", key)
	}
	return nil, c.fail(path, "unknown rule condition %q", key)
}

// object checks that v is a map with no keys outside allowed.
func (c *compiler) object(v any, path string, allowed ...string) (map[string]any, error) {
	m, ok := asObject(v)
	if !ok {
		return nil, c.fail(path, "expected an object")
	}
	for k := range m {
		known := false
		for _, a := range allowed {
			if k == a {
				known = true
				break
			}
		}
		if !known {
			return nil, c.fail(path, "unknown field %q", k)
		}
	}
	return m, nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// toInt accepts the integer encodings produced by encoding/json and yaml.v3.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}
