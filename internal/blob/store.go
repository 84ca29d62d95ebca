// Package blob abstracts per-tier payload storage. A blob's location is a
// pure function of (tier, file id); the catalog, not the store, decides
// which tier a file currently belongs to.
package blob

import (
	"context"
	"errors"
	"io"

	"tiered/internal/tier"
)

// ErrNotFound is returned when no payload exists for the given tier and id.
var ErrNotFound = errors.New("blob: not found")

// Store is the tier-scoped payload storage engine. Implementations must
// keep tiers isolated: the same id may exist in two tiers simultaneously
// while a move is in flight, and readers of the source tier must keep
// working until the source copy is deleted.
type Store interface {
	// Put stores the payload read from r under the given tier and id.
	// Exactly size bytes are expected; a short or long payload is an error.
	Put(ctx context.Context, t tier.Tier, id string, r io.Reader, size int64) error

	// Get opens the payload stored under the given tier and id.
	Get(ctx context.Context, t tier.Tier, id string) (io.ReadCloser, error)

	// Copy makes the payload available in the destination tier without
	// removing it from the source tier.
	Copy(ctx context.Context, from tier.Tier, to tier.Tier, id string) error

	// Checksum returns the SHA-256 hex digest and byte size of the stored
	// payload, used to verify a copy before committing a tier move.
	Checksum(ctx context.Context, t tier.Tier, id string) (string, int64, error)

	// Delete removes the payload from the given tier.
	Delete(ctx context.Context, t tier.Tier, id string) error
}
