package index

// Filter is a conjunction of conditions over named payload fields, with
// an optional exclusion list. It is the single vocabulary all pipelines
// use to express project, category, scope, owner, conversation and time
// constraints against the index.
type Filter struct {
	conditions []condition
	ids        []string
	excludeIDs []string
}

// Range bounds a numeric payload field. Nil bounds are open.
type Range struct {
	GTE *float64
	GT  *float64
	LTE *float64
	LT  *float64
}

type condition struct {
	field    string
	match    *string
	matchAny []string
	rng      *Range
}

// NewFilter returns an empty filter matching everything.
func NewFilter() *Filter {
	return &Filter{}
}

// Match adds an exact-match condition on a field.
func (f *Filter) Match(field, value string) *Filter {
	f.conditions = append(f.conditions, condition{field: field, match: &value})
	return f
}

// MatchAny adds a condition matching any of the given values.
func (f *Filter) MatchAny(field string, values ...string) *Filter {
	f.conditions = append(f.conditions, condition{field: field, matchAny: values})
	return f
}

// InRange adds a numeric range condition on a field.
func (f *Filter) InRange(field string, r Range) *Filter {
	f.conditions = append(f.conditions, condition{field: field, rng: &r})
	return f
}

// WithIDs restricts the filter to points whose id is in the given set.
func (f *Filter) WithIDs(ids ...string) *Filter {
	f.ids = append(f.ids, ids...)
	return f
}

// ExcludeIDs excludes points whose id is in the given set.
func (f *Filter) ExcludeIDs(ids ...string) *Filter {
	f.excludeIDs = append(f.excludeIDs, ids...)
	return f
}

// Empty reports whether the filter has no conditions at all.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.conditions) == 0 && len(f.ids) == 0 && len(f.excludeIDs) == 0)
}

// qdrant renders the filter as a Qdrant filter body: conditions become
// must clauses, exclusions a must_not has_id clause.
func (f *Filter) qdrant() map[string]interface{} {
	if f.Empty() {
		return nil
	}

	must := make([]interface{}, 0, len(f.conditions)+1)
	for _, c := range f.conditions {
		switch {
		case c.match != nil:
			must = append(must, map[string]interface{}{
				"key":   c.field,
				"match": map[string]interface{}{"value": *c.match},
			})
		case c.matchAny != nil:
			must = append(must, map[string]interface{}{
				"key":   c.field,
				"match": map[string]interface{}{"any": c.matchAny},
			})
		case c.rng != nil:
			rng := map[string]interface{}{}
			if c.rng.GTE != nil {
				rng["gte"] = *c.rng.GTE
			}
			if c.rng.GT != nil {
				rng["gt"] = *c.rng.GT
			}
			if c.rng.LTE != nil {
				rng["lte"] = *c.rng.LTE
			}
			if c.rng.LT != nil {
				rng["lt"] = *c.rng.LT
			}
			must = append(must, map[string]interface{}{"key": c.field, "range": rng})
		}
	}
	if len(f.ids) > 0 {
		must = append(must, map[string]interface{}{"has_id": f.ids})
	}

	out := map[string]interface{}{}
	if len(must) > 0 {
		out["must"] = must
	}
	if len(f.excludeIDs) > 0 {
		out["must_not"] = []interface{}{
			map[string]interface{}{"has_id": f.excludeIDs},
		}
	}
	return out
}

// Float64Ptr is a convenience helper for building Range bounds.
func Float64Ptr(v float64) *float64 {
	return &v
}
