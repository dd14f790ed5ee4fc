// Package model defines shared types used across the sync engine, the source
// reader, the mapper, and the document store client.
package model

import "fmt"

// Field is a single named attribute of an [Entity]. Value is a scalar
// (string, int64, float64, bool, time.Time, nil) or a nested value
// ([]any, map[string]any).
type Field struct {
	Name  string
	Value any
}

// Entity is one logical record read from the relational source. It is rebuilt
// from the source of truth on every run and never persisted.
type Entity struct {
	// Kind is the entity kind tag, e.g. "room" or "professor".
	Kind string

	// ID is the stable natural or surrogate key, rendered as a string.
	ID string

	// Fields holds the row's attributes in source column order.
	Fields []Field
}

// Key returns the entity identity as "kind/id". Used in logs and as a map key.
func (e Entity) Key() string {
	return e.Kind + "/" + e.ID
}

// Get returns the value of the named field and whether it was present.
func (e Entity) Get(name string) (any, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// FormatID renders a scanned key column value as an entity ID. Integer keys
// print without decimals; byte slices are treated as text.
func FormatID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", fmt.Errorf("id is null")
	case string:
		return id, nil
	case []byte:
		return string(id), nil
	case int64:
		return fmt.Sprintf("%d", id), nil
	case int:
		return fmt.Sprintf("%d", id), nil
	case int32:
		return fmt.Sprintf("%d", id), nil
	case float64:
		if id == float64(int64(id)) {
			return fmt.Sprintf("%d", int64(id)), nil
		}
		return "", fmt.Errorf("id %v is not an integer", id)
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}
