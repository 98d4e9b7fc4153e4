package suite

import "strings"

// Spec is an ordered cipher-suite name list parsed from a single
// comma-separated configuration value. An empty Spec means no constraint.
type Spec []string

// ParseSpec splits raw on commas, trims surrounding whitespace from each
// item and drops empty items. Duplicates keep their first position. It never
// fails: any input, including "" and strings of only separators, reduces to
// a (possibly empty) Spec.
func ParseSpec(raw string) Spec {
	parts := strings.Split(raw, ",")
	spec := make(Spec, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		spec = append(spec, name)
	}
	return spec
}

// Empty reports whether the spec places no constraint.
func (s Spec) Empty() bool { return len(s) == 0 }

// Contains reports whether name is listed. Matching is exact and
// case-sensitive; suite names are opaque tokens until resolved against a
// catalog.
func (s Spec) Contains(name string) bool {
	for _, n := range s {
		if n == name {
			return true
		}
	}
	return false
}

// String renders the spec in its canonical comma-separated form.
func (s Spec) String() string { return strings.Join(s, ",") }
