// Package mapper turns relational entities into document-store documents.
//
// A [Mapper] is a pure function of its input: given an [model.Entity] it
// returns the remote path, the JSON payload, and a content fingerprint used by
// the sync engine for change detection. Per-kind shaping is described by a
// [Rule]; kinds without a rule use the "{kind}/{id}" layout with every column
// copied as-is.
package mapper

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/njoerd114/rowsync/internal/model"
)

// DefaultPathTemplate is used when a rule has no path template.
const DefaultPathTemplate = "{kind}/{id}"

// Rule shapes the documents of one entity kind.
type Rule struct {
	// Kind is the entity kind the rule applies to.
	Kind string

	// PathTemplate is the remote path with {kind}, {id} and {<field>}
	// placeholders. Defaults to [DefaultPathTemplate].
	PathTemplate string

	// Required fields must be present and non-null.
	Required []string

	// Exclude drops fields from the payload.
	Exclude []string

	// Lists maps a field to the delimiter used to split it into an array.
	Lists map[string]string

	// Nest turns dotted field names into nested objects.
	Nest bool
}

// Document is the mapped form of an entity.
type Document struct {
	Kind        string
	ID          string
	Path        string
	Payload     map[string]any
	Fingerprint string
}

// Mapper applies per-kind rules. It holds no mutable state and is safe for
// concurrent use.
type Mapper struct {
	rules map[string]Rule
}

// New creates a Mapper from the given rules.
func New(rules ...Rule) *Mapper {
	m := &Mapper{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		if r.PathTemplate == "" {
			r.PathTemplate = DefaultPathTemplate
		}
		m.rules[r.Kind] = r
	}
	return m
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// Map converts e into a [Document]. Every error wraps [model.ErrMapping].
func (m *Mapper) Map(e model.Entity) (Document, error) {
	rule, ok := m.rules[e.Kind]
	if !ok {
		rule = Rule{Kind: e.Kind, PathTemplate: DefaultPathTemplate}
	}
	fail := func(format string, args ...any) (Document, error) {
		return Document{}, fmt.Errorf("%s: %s: %w", e.Key(), fmt.Sprintf(format, args...), model.ErrMapping)
	}

	if e.ID == "" {
		return fail("empty id")
	}
	for _, name := range rule.Required {
		v, ok := e.Get(name)
		if !ok || v == nil {
			return fail("required field %q is missing", name)
		}
	}

	excluded := make(map[string]bool, len(rule.Exclude))
	for _, name := range rule.Exclude {
		excluded[name] = true
	}

	payload := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		if excluded[f.Name] {
			continue
		}
		v, err := normalize(f.Value)
		if err != nil {
			return fail("field %q: %v", f.Name, err)
		}
		if v == nil {
			continue
		}
		if sep, ok := rule.Lists[f.Name]; ok {
			if s, isStr := v.(string); isStr {
				v = splitList(s, sep)
			}
		}
		if v == nil {
			continue
		}
		if err := put(payload, f.Name, v, rule.Nest); err != nil {
			return fail("%v", err)
		}
	}

	path, err := renderPath(rule.PathTemplate, e)
	if err != nil {
		return fail("%v", err)
	}

	fp, err := Fingerprint(payload)
	if err != nil {
		return fail("fingerprint: %v", err)
	}

	return Document{
		Kind:        e.Kind,
		ID:          e.ID,
		Path:        path,
		Payload:     payload,
		Fingerprint: fp,
	}, nil
}

// --- payload shaping ---------------------------------------------------------

// normalize converts a scanned value into a JSON-ready shape. nil means the
// field is dropped; empty arrays and objects are dropped too, since the
// document store does not keep them.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return int64(val), nil
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for i, elem := range val {
			n, err := normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			if n == nil {
				return nil, fmt.Errorf("[%d]: null or empty array element", i)
			}
			out = append(out, n)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if err := validateKey(k); err != nil {
				return nil, err
			}
			n, err := normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			if n != nil {
				out[k] = n
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// splitList returns nil for an empty string so the field is dropped.
func splitList(s, sep string) any {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// put stores v under name, creating intermediate objects for dotted names
// when nest is set.
func put(payload map[string]any, name string, v any, nest bool) error {
	if !nest {
		if err := validateKey(name); err != nil {
			return err
		}
		if _, exists := payload[name]; exists {
			return fmt.Errorf("field %q appears more than once", name)
		}
		payload[name] = v
		return nil
	}

	parts := strings.Split(name, ".")
	cur := payload
	for i, p := range parts {
		if err := validateKey(p); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		if i == len(parts)-1 {
			if _, exists := cur[p]; exists {
				return fmt.Errorf("field %q collides with a nested object", name)
			}
			cur[p] = v
			return nil
		}
		next, exists := cur[p]
		if !exists {
			child := make(map[string]any)
			cur[p] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q nests under scalar %q", name, p)
		}
		cur = child
	}
	return nil
}

// --- paths -------------------------------------------------------------------

func renderPath(tmpl string, e model.Entity) (string, error) {
	var renderErr error
	path := placeholderRe.ReplaceAllStringFunc(tmpl, func(ph string) string {
		name := ph[1 : len(ph)-1]
		switch name {
		case "kind":
			return e.Kind
		case "id":
			return e.ID
		}
		v, ok := e.Get(name)
		if !ok || v == nil {
			if renderErr == nil {
				renderErr = fmt.Errorf("path field %q is missing", name)
			}
			return ""
		}
		n, err := normalize(v)
		if err != nil {
			if renderErr == nil {
				renderErr = fmt.Errorf("path field %q: %w", name, err)
			}
			return ""
		}
		return fmt.Sprint(n)
	})
	if renderErr != nil {
		return "", renderErr
	}

	for _, seg := range strings.Split(path, "/") {
		if err := validateKey(seg); err != nil {
			return "", fmt.Errorf("path %q: %w", path, err)
		}
	}
	return path, nil
}

// validateKey enforces the document store's key rules.
func validateKey(k string) error {
	if k == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(k, ".$#[]/") {
		return fmt.Errorf("key %q contains one of . $ # [ ] /", k)
	}
	for _, r := range k {
		if unicode.IsControl(r) {
			return fmt.Errorf("key %q contains a control character", k)
		}
	}
	return nil
}
