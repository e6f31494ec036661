package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

// Scope is a set of data categories (e.g. "vitals", "medications"). Order is irrelevant.
type Scope []string

// Normalize trims entries, drops empties and duplicates, and sorts the result.
func (s Scope) Normalize() Scope {
	seen := make(map[string]struct{}, len(s))
	out := make(Scope, 0, len(s))
	for _, v := range s {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Covers reports whether every category in requested is part of s.
// An empty request is never covered.
func (s Scope) Covers(requested Scope) bool {
	requested = requested.Normalize()
	if len(requested) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(s))
	for _, v := range s {
		have[strings.TrimSpace(v)] = struct{}{}
	}
	for _, v := range requested {
		if _, ok := have[v]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share the backing array.
func (s Scope) Clone() Scope {
	if s == nil {
		return nil
	}
	out := make(Scope, len(s))
	copy(out, s)
	return out
}

// ParseScope splits a comma separated list ("vitals,labs").
func ParseScope(raw string) Scope {
	return Scope(strings.Split(raw, ",")).Normalize()
}

// Value stores the scope as a JSON array column.
func (s Scope) Value() (driver.Value, error) {
	if s == nil {
		s = Scope{}
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b).Value()
}

// Scan reads a JSON array column.
func (s *Scope) Scan(value any) error {
	var raw datatypes.JSON
	if err := raw.Scan(value); err != nil {
		return fmt.Errorf("scan scope: %w", err)
	}
	if len(raw) == 0 {
		*s = Scope{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan scope: %w", err)
	}
	*s = Scope(out)
	return nil
}
