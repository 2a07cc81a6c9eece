// Package domain defines the core entities and state machines for foreman:
// workers, tasks, events, commands, time triggers, and the task result wire
// contract shared by every process that touches the store.
package domain

import "github.com/google/uuid"

// NewID generates a new sortable identifier.
// UUIDv7 embeds a millisecond timestamp so lexicographic order follows
// creation order, which the aggregation path relies on.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source is broken; fall back
		// to the random-based variant rather than propagate.
		return uuid.New().String()
	}
	return id.String()
}
