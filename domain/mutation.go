package domain

import "github.com/bytedance/sonic"

// Mutation operation names. Placement ops carry a Before and After
// Placement; section ops carry the section snapshot in Data.
const (
	MutatePlace          = "task-placed"
	MutateReturnToInbox  = "task-returned-to-inbox"
	MutateSectionCreated = "section-created"
	MutateSectionUpdated = "section-updated"
	MutateSectionDeleted = "section-deleted"
)

// Mutation is one discrete, independently invertible placement write. Every
// store write the engine performs is exposed as one of these to the external
// undo/redo subsystem.
type Mutation struct {
	// ID carries the idempotency key when the record is delivered to the
	// mutation queue.
	ID             string     `json:"id,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Op             string     `json:"op"`
	EntityID       string     `json:"entityId"`
	Before         *Placement `json:"before,omitempty"`
	After          *Placement `json:"after,omitempty"`
	// Data holds the section snapshot for section ops, passed through
	// without reserialization.
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Invert returns the mutation that undoes m. Section ops invert by swapping
// create/delete; updates invert to the prior snapshot carried in Before-style
// Data by the undo subsystem, so they pass through unchanged here.
func (m Mutation) Invert() Mutation {
	inv := m
	inv.Before, inv.After = m.After, m.Before
	switch m.Op {
	case MutatePlace:
		if inv.After != nil && inv.After.InInbox {
			inv.Op = MutateReturnToInbox
		}
	case MutateReturnToInbox:
		inv.Op = MutatePlace
	case MutateSectionCreated:
		inv.Op = MutateSectionDeleted
	case MutateSectionDeleted:
		inv.Op = MutateSectionCreated
	}
	return inv
}

// MutationEnvelope wraps a mutation with the user it belongs to.
type MutationEnvelope struct {
	UserID   string   `json:"userId"`
	Mutation Mutation `json:"mutation"`
}
