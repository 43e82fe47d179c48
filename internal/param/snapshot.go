package param

import (
	"errors"
	"sort"
)

// FromSnapshots rebuilds a Resolution from the per-task parameter snapshots of
// an existing batch, in batch order. No batch size is inferred: the batch is
// exactly len(snapshots). A bundled parameter, or any parameter of a batch of
// one, takes the first task's value; every other parameter is indexed over
// the per-task values. Parameters absent from the snapshots fall back to
// their defaults.
func FromSnapshots(schema Schema, snapshots []map[string]any) (*Resolution, error) {
	n := len(snapshots)
	if n == 0 {
		return nil, errors.New("param: no snapshots")
	}

	var missing []string
	unexpected := make(map[string]struct{})
	for _, snap := range snapshots {
		for name := range snap {
			if _, ok := schema.index[name]; !ok {
				unexpected[name] = struct{}{}
			}
		}
	}
	if len(unexpected) > 0 {
		names := make([]string, 0, len(unexpected))
		for name := range unexpected {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, &DeclarationError{Kind: ErrUnexpectedParameter, Names: names}
	}

	r := &Resolution{
		BatchSize: n,
		resolved:  make([]Resolved, 0, schema.Len()),
		index:     make(map[string]int, schema.Len()),
	}
	for _, p := range schema.params {
		values := make([]any, n)
		present := true
		for i, snap := range snapshots {
			v, ok := snap[p.Name]
			if !ok {
				present = false
				break
			}
			values[i] = v
		}

		rp := Resolved{Parameter: p}
		switch {
		case !present && !p.HasDefault:
			missing = append(missing, p.Name)
			continue
		case !present:
			rp.Value = p.Default
			rp.UsedDefault = true
			rp.Length, _ = measure(p.Default)
		case p.Bundled || n == 1:
			rp.Value = values[0]
			rp.Length, _ = measure(values[0])
		default:
			rp.Value = values
			rp.Length = n
			rp.Indexed = true
		}
		r.index[p.Name] = len(r.resolved)
		r.resolved = append(r.resolved, rp)
	}
	if len(missing) > 0 {
		return nil, &DeclarationError{Kind: ErrMissingParameter, Names: missing}
	}
	return r, nil
}
