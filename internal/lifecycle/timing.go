package lifecycle

import (
	"fmt"
	"maps"
	"sync"
)

// KeyTotal is the timing key holding the sum of the three stage totals.
const KeyTotal = "time_total"

// TotalKey returns the timing key of a stage total, e.g. "time_execute".
func TotalKey(s Stage) string { return "time_" + string(s) }

// OverheadKey returns the timing key of a stage's batch overhead, the part of
// the stage not attributed to any single task.
func OverheadKey(s Stage) string { return "time_" + string(s) + "_bundle_overhead" }

// PerTaskKey returns the key under which a stage's per-task breakdown is
// reported by Snapshot.
func PerTaskKey(s Stage) string { return "time_" + string(s) + "_per_task" }

func taskKey(s Stage) string { return "time_" + string(s) + "_task" }

// Timing holds the stage measurements of one execution context. Scalar values
// are keyed by task column name; per-task breakdowns are positional against
// the context's Items.
type Timing struct {
	mu      sync.Mutex
	scalars map[string]float64
	perTask map[Stage][]float64
}

func newTiming() *Timing {
	return &Timing{
		scalars: make(map[string]float64),
		perTask: make(map[Stage][]float64),
	}
}

// Set records a scalar timing value in seconds. A stage function may set the
// overhead of its own stage to have the stage total computed from it.
func (t *Timing) Set(key string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scalars[key] = seconds
}

// Get returns a scalar timing value.
func (t *Timing) Get(key string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.scalars[key]
	return v, ok
}

// PerTask returns a copy of the per-task breakdown of stage s, or nil.
func (t *Timing) PerTask(s Stage) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.perTask[s]; ok {
		return append([]float64(nil), v...)
	}
	return nil
}

// SetPerTask replaces the per-task breakdown of stage s.
func (t *Timing) SetPerTask(s Stage, seconds []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perTask[s] = append([]float64(nil), seconds...)
}

// Reconcile recomputes each stage total that has both a per-task breakdown
// and an overhead as their sum, then recomputes the overall total.
func (t *Timing) Reconcile() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range Stages {
		vec, ok := t.perTask[s]
		overhead, hasOverhead := t.scalars[OverheadKey(s)]
		if ok && hasOverhead {
			t.scalars[TotalKey(s)] = sum(vec) + overhead
		}
	}
	t.updateTotal()
}

// Snapshot returns all scalar values and per-task breakdowns keyed by name.
func (t *Timing) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.scalars)+len(t.perTask))
	for k, v := range t.scalars {
		out[k] = v
	}
	for s, v := range t.perTask {
		out[PerTaskKey(s)] = append([]float64(nil), v...)
	}
	return out
}

func (t *Timing) scalarsCopy() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.scalars)
}

// clearStage drops every measurement of s so a retried stage starts clean.
func (t *Timing) clearStage(s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scalars, TotalKey(s))
	delete(t.scalars, OverheadKey(s))
	delete(t.perTask, s)
}

// addPerTask adds seconds to task idx of stage s, sizing the breakdown to n.
func (t *Timing) addPerTask(s Stage, idx, n int, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vec := t.perTask[s]
	if len(vec) < n {
		vec = append(vec, make([]float64, n-len(vec))...)
	}
	vec[idx] += seconds
	t.perTask[s] = vec
}

// finishStage records the wall time of s. Without an overhead already set,
// the overhead is what the per-task breakdown does not explain and the stage
// total is the elapsed time. With one set, the stage total is the per-task
// sum plus that overhead.
func (t *Timing) finishStage(s Stage, elapsed float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	perTask := sum(t.perTask[s])
	if overhead, ok := t.scalars[OverheadKey(s)]; ok {
		t.scalars[TotalKey(s)] = perTask + overhead
	} else {
		t.scalars[OverheadKey(s)] = elapsed - perTask
		t.scalars[TotalKey(s)] = elapsed
	}
	t.updateTotal()
}

func (t *Timing) updateTotal() {
	var total float64
	for _, s := range Stages {
		total += t.scalars[TotalKey(s)]
	}
	t.scalars[KeyTotal] = total
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

// perTaskOrZero returns the breakdown of s for n tasks, zeros when the stage
// recorded none. A breakdown shorter than n is an error.
func (t *Timing) perTaskOrZero(s Stage, n int) ([]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vec, ok := t.perTask[s]
	if !ok {
		return make([]float64, n), nil
	}
	if len(vec) < n {
		return nil, fmt.Errorf("%w: %s has %d per-task timings for %d tasks", ErrInstrumentation, s, len(vec), n)
	}
	return vec, nil
}
