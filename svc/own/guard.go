package own

import (
	"context"

	"github.com/pkg/errors"

	"docgate/pkg/domain"
)

// OwnerStore is the slice of the document store the guard needs.
type OwnerStore interface {
	OwnerOf(ctx context.Context, documentID string) (string, error)
}

// Guard checks that a requester owns a document before a gate mutation is
// allowed. A document owned by someone else is reported as not found, so
// callers cannot probe which document ids exist.
type Guard struct {
	store OwnerStore
}

func NewGuard(store OwnerStore) *Guard {
	return &Guard{store: store}
}

func (g *Guard) Check(ctx context.Context, documentID, requesterID string) error {
	if requesterID == "" {
		return domain.ErrUnauthenticated
	}
	owner, err := g.store.OwnerOf(ctx, documentID)
	if err != nil {
		if errors.Cause(err) == domain.ErrDocumentNotFound {
			return domain.ErrDocumentNotFound
		}
		return errors.Wrap(err, "ownership lookup")
	}
	if owner != requesterID {
		return domain.ErrDocumentNotFound
	}
	return nil
}
