package suite

// Policy is the resolved cipher-suite constraint for one listener: the
// effective enabled set plus how it was derived. Policies are immutable;
// build them with Resolve.
type Policy struct {
	effective   []Suite
	constrained bool
	unknown     []string
}

// Resolve computes the effective suite set for an include/exclude pair
// against cat.
//
// A non-empty include wins outright: the result is cat filtered to the
// included names, and exclude is ignored entirely. Otherwise a non-empty
// exclude removes its names from cat. With both empty the policy is
// unconstrained and the TLS stack's own defaults govern negotiation.
//
// The result preserves catalog order, is always a subset of cat, and may
// legitimately be empty: a contradictory pair still resolves, the listener
// still binds, and every handshake then fails at suite negotiation.
// Constraint names matching no catalog entry are collected, not rejected.
func Resolve(include, exclude Spec, cat Catalog) Policy {
	p := Policy{constrained: !include.Empty() || !exclude.Empty()}
	switch {
	case !include.Empty():
		p.effective = filter(cat, include.Contains)
		p.unknown = unmatched(include, cat)
	case !exclude.Empty():
		p.effective = filter(cat, func(name string) bool { return !exclude.Contains(name) })
		p.unknown = unmatched(exclude, cat)
	default:
		p.effective = append([]Suite(nil), cat...)
	}
	return p
}

func filter(cat Catalog, keep func(string) bool) []Suite {
	kept := make([]Suite, 0, len(cat))
	for _, s := range cat {
		if keep(s.Name) {
			kept = append(kept, s)
		}
	}
	return kept
}

func unmatched(spec Spec, cat Catalog) []string {
	var names []string
	for _, name := range spec {
		if _, ok := cat.Lookup(name); !ok {
			names = append(names, name)
		}
	}
	return names
}

// Suites returns the effective enabled suites in catalog order.
func (p Policy) Suites() []Suite {
	return append([]Suite(nil), p.effective...)
}

// IDs returns the effective suite IDs in catalog order. The slice is never
// nil: the TLS stack reads nil as "use defaults" while an empty list offers
// nothing, and a constrained-but-empty policy must offer nothing.
func (p Policy) IDs() []uint16 {
	ids := make([]uint16, 0, len(p.effective))
	for _, s := range p.effective {
		ids = append(ids, s.ID)
	}
	return ids
}

// Names returns the effective suite names in catalog order.
func (p Policy) Names() []string {
	names := make([]string, 0, len(p.effective))
	for _, s := range p.effective {
		names = append(names, s.Name)
	}
	return names
}

// Admits reports whether a negotiated suite satisfies the policy. An
// unconstrained policy admits whatever the stack picked.
func (p Policy) Admits(id uint16) bool {
	if !p.constrained {
		return true
	}
	for _, s := range p.effective {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Constrained reports whether either spec was non-empty.
func (p Policy) Constrained() bool { return p.constrained }

// Empty reports whether a constrained policy admits no suite at all.
func (p Policy) Empty() bool { return p.constrained && len(p.effective) == 0 }

// Unknown returns the constraint names that matched no catalog entry, in
// the order they were written.
func (p Policy) Unknown() []string {
	return append([]string(nil), p.unknown...)
}
