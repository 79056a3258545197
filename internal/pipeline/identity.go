package pipeline

import (
	"context"

	"github.com/andresmejia3/veil/internal/utils"
)

// Identity is a named reference descriptor.
type Identity struct {
	ID     int       `json:"id"`
	Name   string    `json:"name"`
	Vector []float64 `json:"vector"`
}

// StaticIdentities matches descriptors against a fixed in-memory set. It lets
// identity exclusion work without a database, e.g. from vectors loaded once.
type StaticIdentities []Identity

// FindClosestIdentity returns the identity with the smallest cosine distance
// strictly below threshold, or -1.
func (s StaticIdentities) FindClosestIdentity(ctx context.Context, vec []float64, threshold float64) (int, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	bestID, bestName := -1, ""
	best := threshold
	for _, ident := range s {
		if d := utils.CosineDist(vec, ident.Vector); d < best {
			best, bestID, bestName = d, ident.ID, ident.Name
		}
	}
	return bestID, bestName, nil
}
