package api

import (
	"context"

	"canvas-api/canvas"
	"canvas-api/domain"
)

// Engine is the canvas synchronization core the handlers drive. Every
// method that mutates placement state reconciles synchronously before
// returning, so the diff a handler hands back is never stale.
type Engine interface {
	Snapshot(ctx context.Context, userID string) ([]domain.Node, error)
	Subscribe(userID string) (<-chan domain.Diff, func())
	InboxTasks(ctx context.Context, userID string) ([]domain.Task, error)
	CommitDrag(ctx context.Context, userID, taskID string, screen domain.Point, vp canvas.Viewport, container domain.Rect) (domain.Diff, error)
	ReturnToInbox(ctx context.Context, userID, taskID string) (domain.Diff, error)
	CreateSection(ctx context.Context, userID string, section domain.Section) (domain.Section, domain.Diff, error)
	UpdateSection(ctx context.Context, userID string, section domain.Section) (domain.Diff, error)
	DeleteSection(ctx context.Context, userID, sectionID string) (domain.Diff, error)
	AutoCollect(ctx context.Context, userID, sectionID string) (domain.Diff, int, error)
	ApplyMutations(ctx context.Context, userID string, muts []domain.Mutation) (domain.Diff, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reapplication of replayed mutation batches.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// AddMany records the keys in one round trip; the result marks which
	// were newly added.
	AddMany(ctx context.Context, userID string, keys []string) ([]bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
