// Package registry tracks the participants currently connected to the relay.
//
// The Registry is the only shared mutable state in the relay. It is written
// exclusively by the relay router (on connect, join and disconnect) and every
// operation is serialized behind a single mutex, so a Snapshot never observes a
// half-applied add, remove or rename.
package registry

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// DefaultNamePrefix is used to build the placeholder display name assigned to a
// participant before it announces itself with a join message.
const DefaultNamePrefix = "User"

// Participant is a point-in-time copy of one registry record.
type Participant struct {
	ID          string
	DisplayName string
	Ordinal     uint64
}

// DefaultDisplayName returns the placeholder name for the given ordinal.
func DefaultDisplayName(ordinal uint64) string {
	return fmt.Sprintf("%s %d", DefaultNamePrefix, ordinal)
}

// Registry is the ordered set of connected participants. The zero value is
// not usable; create one with New.
type Registry struct {
	mu          sync.Mutex
	lastOrdinal uint64
	// participants is kept in insertion order; it is the order used for
	// presence lists.
	participants []*Participant
	byID         map[string]*Participant
}

// New returns an empty Registry. Ordinals start at 1.
func New() *Registry {
	return &Registry{
		byID: make(map[string]*Participant),
	}
}

// Add creates a record for id with the next ordinal and a placeholder name.
//
// Adding an id that is already present returns the existing record unchanged
// and does not consume an ordinal.
func (r *Registry) Add(id string) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byID[id]; ok {
		return *p
	}

	r.lastOrdinal++
	p := &Participant{
		ID:          id,
		DisplayName: DefaultDisplayName(r.lastOrdinal),
		Ordinal:     r.lastOrdinal,
	}
	r.participants = append(r.participants, p)
	r.byID[id] = p
	return *p
}

// Remove deletes the record for id. It reports whether a record was removed;
// removing an absent id is a no-op so duplicate close notifications are safe.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	for i, cur := range r.participants {
		if cur == p {
			copy(r.participants[i:], r.participants[i+1:])
			r.participants[len(r.participants)-1] = nil
			r.participants = r.participants[:len(r.participants)-1]
			break
		}
	}
	return true
}

// Rename sets the display name for id. An empty name never erases an existing
// identity: the record is left as-is and Rename reports false, as it does for
// an unknown id.
func (r *Registry) Rename(id, name string) bool {
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return false
	}
	p.DisplayName = name
	return true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Snapshot returns the display names in registry order. The result is never
// nil so it always encodes as a JSON array.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Map(r.participants, func(p *Participant, _ int) string {
		return p.DisplayName
	})
}

// Len returns the number of participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
