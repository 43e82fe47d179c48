// Package engine runs task instances in the background. Submit builds an
// instance's execution context synchronously, so the caller learns the task
// and bundle ids, then drives the lifecycle in a goroutine and fans the
// resulting status events out to subscribers.
package engine
