// Package lifecycle runs task types through their pre-execute, execute and
// post-execute stages.
//
// An Instance is one instantiation of a TaskType with a set of input
// references and keyword parameters. Constructing it resolves the parameters
// and infers the batch size. The first stage that runs (or an explicit call
// to Context) persists one task per batch element and, for batches larger
// than one, a bundle that groups them. Each stage is timed; stage failures
// mark the tasks failed-<stage> and are returned to the caller. After a
// successful run the measured timings are written back onto every task row.
//
// The package owns no goroutines. Callers that want parallelism run separate
// instances concurrently.
package lifecycle
