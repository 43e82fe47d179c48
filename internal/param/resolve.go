package param

import (
	"reflect"
	"sort"
	"unicode/utf8"
)

// shape is the structural class of a supplied value.
type shape int

const (
	shapeScalar shape = iota
	shapeString
	shapeBytes
	shapeMap
	shapeSequence
)

// measure returns the length of v and its shape. Unsized values have length 1.
func measure(v any) (int, shape) {
	if v == nil {
		return 1, shapeScalar
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return utf8.RuneCountInString(rv.String()), shapeString
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Len(), shapeBytes
		}
		return rv.Len(), shapeSequence
	case reflect.Map:
		return rv.Len(), shapeMap
	default:
		return 1, shapeScalar
	}
}

// Resolved is one parameter after resolution.
type Resolved struct {
	Parameter   Parameter
	Value       any
	UsedDefault bool
	Length      int
	Indexed     bool
}

// Resolution is the immutable outcome of resolving supplied values against a
// schema.
type Resolution struct {
	BatchSize int

	resolved []Resolved
	index    map[string]int
}

// Resolve checks kwargs against schema, substitutes defaults, infers the batch
// size and marks which parameters are indexed across the batch.
//
// Among parameters that are not bundled, not defaulted and not structured,
// every sequence or mapping length other than 1 must agree; that length is the
// batch size. Only sequences are indexed across the batch; a mapping counts
// towards the batch size but every task receives it whole. A batch size of
// zero is an error. A bundled scalar parameter given a sequence or mapping of
// more than one element is always an error, whatever the batch size.
func Resolve(schema Schema, kwargs map[string]any) (*Resolution, error) {
	type entry struct {
		Resolved
		shape shape
	}

	entries := make([]entry, 0, schema.Len())
	var missing []string
	for _, p := range schema.params {
		value, supplied := kwargs[p.Name]
		usedDefault := false
		if !supplied {
			if !p.HasDefault {
				missing = append(missing, p.Name)
				continue
			}
			value = p.Default
			usedDefault = true
		}
		length, sh := measure(value)
		entries = append(entries, entry{
			Resolved: Resolved{
				Parameter:   p,
				Value:       value,
				UsedDefault: usedDefault,
				Length:      length,
			},
			shape: sh,
		})
	}
	if len(missing) > 0 {
		return nil, &DeclarationError{Kind: ErrMissingParameter, Names: missing}
	}

	var unexpected []string
	for name := range kwargs {
		if _, ok := schema.index[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, &DeclarationError{Kind: ErrUnexpectedParameter, Names: unexpected}
	}

	relevant := make(map[string]int)
	var relevantNames []string
	for _, e := range entries {
		p := e.Parameter
		collection := e.shape == shapeSequence || e.shape == shapeMap
		if p.Bundled && !p.Kind.Structured() && collection && e.Length > 1 {
			return nil, &DeclarationError{
				Kind:    ErrInvalidBundled,
				Names:   []string{p.Name},
				Lengths: map[string]int{p.Name: e.Length},
			}
		}
		if !p.Bundled && !e.UsedDefault && !p.Kind.Structured() && collection {
			relevant[p.Name] = e.Length
			relevantNames = append(relevantNames, p.Name)
		}
	}

	distinct := make(map[int]struct{})
	for _, l := range relevant {
		if l != 1 {
			distinct[l] = struct{}{}
		}
	}
	batchSize := 1
	switch len(distinct) {
	case 0:
	case 1:
		for l := range distinct {
			batchSize = l
		}
	default:
		return nil, &DeclarationError{Kind: ErrMismatchedBundling, Names: relevantNames, Lengths: relevant}
	}
	if batchSize == 0 {
		var empty []string
		for _, name := range relevantNames {
			if relevant[name] == 0 {
				empty = append(empty, name)
			}
		}
		return nil, &DeclarationError{Kind: ErrEmptyBatch, Names: empty, Lengths: relevant}
	}

	r := &Resolution{
		BatchSize: batchSize,
		resolved:  make([]Resolved, len(entries)),
		index:     make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		p := e.Parameter
		e.Indexed = batchSize > 1 &&
			e.shape == shapeSequence &&
			e.Length == batchSize &&
			!e.UsedDefault &&
			!p.Bundled &&
			!p.Kind.Structured()
		r.resolved[i] = e.Resolved
		r.index[p.Name] = i
	}
	return r, nil
}

// Resolved returns every resolved parameter in declaration order.
func (r *Resolution) Resolved() []Resolved {
	out := make([]Resolved, len(r.resolved))
	copy(out, r.resolved)
	return out
}

// Lookup returns the resolved parameter with the given name.
func (r *Resolution) Lookup(name string) (Resolved, bool) {
	i, ok := r.index[name]
	if !ok {
		return Resolved{}, false
	}
	return r.resolved[i], true
}

// Value returns the resolved (possibly defaulted) value of a parameter, or nil
// when no such parameter is declared.
func (r *Resolution) Value(name string) any {
	rp, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return rp.Value
}

// Snapshot returns the parameter values of the task at index i of the batch:
// element i for indexed parameters, the whole value otherwise. i must be in
// [0, BatchSize).
func (r *Resolution) Snapshot(i int) map[string]any {
	out := make(map[string]any, len(r.resolved))
	for _, rp := range r.resolved {
		if rp.Indexed {
			out[rp.Parameter.Name] = reflect.ValueOf(rp.Value).Index(i).Interface()
			continue
		}
		out[rp.Parameter.Name] = rp.Value
	}
	return out
}
