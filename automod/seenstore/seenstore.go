// Record of already-processed event ids, so that redelivered events are evaluated at most once.
//
// Ingest is at-least-once: the same message event may arrive from a retrying HTTP client or be redelivered by NATS. Processing claims the id before doing any work, and releases the claim if processing fails, so that a later redelivery gets another try.
package seenstore

import (
	"context"
)

type SeenStore interface {
	// Claim marks the id as seen. Returns false if it was already claimed (and not released).
	Claim(ctx context.Context, id string) (bool, error)
	// Release drops a claim.
	Release(ctx context.Context, id string) error
}
