// Package model holds the persisted records shared by the store, the lifecycle
// and the HTTP surface: tasks, bundles, statuses, input data products and
// outputs.
package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. Tasks and bundles are keyed by ULIDs so that
// lexical order follows creation order.
func NewID() string {
	return ulid.Make().String()
}
