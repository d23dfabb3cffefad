// Package directory provides inbox.Directory implementations.
package directory

import (
	"context"

	"github.com/educpro/inbox"
)

// Compile-time check
var _ inbox.Directory = (*Static)(nil)

// Static is a map-based Directory for testing and simple deployments.
// Safe for concurrent use (read-only after creation).
type Static struct {
	people map[string]inbox.Participant
}

// NewStatic creates a Static directory from a map of user ID to participant.
// The map is copied to prevent external mutation.
func NewStatic(people map[string]inbox.Participant) *Static {
	m := make(map[string]inbox.Participant, len(people))
	for id, p := range people {
		p.ID = id
		m[id] = p
	}
	return &Static{people: m}
}

// Lookup returns the known participants among ids. Unknown ids are omitted.
func (s *Static) Lookup(_ context.Context, ids []string) (map[string]inbox.Participant, error) {
	out := make(map[string]inbox.Participant, len(ids))
	for _, id := range ids {
		if p, ok := s.people[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
