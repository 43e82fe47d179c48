// Package input turns caller-supplied input references into persisted data
// products. A reference may be a product record, a numeric product id, a
// filesystem path or glob, a JSON-encoded list, or any nesting of those.
package input

import "github.com/seantiz/stagehand/internal/model"

// Entry is one element of a Set: either a single product or a nested set.
type Entry struct {
	Product *model.DataProduct
	Set     Set
}

// Set is an ordered collection of resolved input references. Nesting mirrors
// the shape of the reference it was resolved from.
type Set []Entry

// Flatten returns every product in the set, depth first, skipping empty
// entries.
func (s Set) Flatten() []*model.DataProduct {
	var out []*model.DataProduct
	for _, e := range s {
		switch {
		case e.Product != nil:
			out = append(out, e.Product)
		case e.Set != nil:
			out = append(out, e.Set.Flatten()...)
		}
	}
	return out
}

// IDs returns the ids of Flatten() in order.
func (s Set) IDs() []int64 {
	products := s.Flatten()
	ids := make([]int64, len(products))
	for i, dp := range products {
		ids[i] = dp.ID
	}
	return ids
}

// Of builds a flat set from products.
func Of(products ...*model.DataProduct) Set {
	s := make(Set, 0, len(products))
	for _, dp := range products {
		s = append(s, Entry{Product: dp})
	}
	return s
}
