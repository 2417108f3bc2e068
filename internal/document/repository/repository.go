package repository

import (
	"context"

	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/pkg/apperr"
)

var (
	// ErrDocumentNotFound is returned when no document has the given id or token.
	ErrDocumentNotFound = apperr.NotFound("document not found").WithCode("ErrDocumentNotFound")

	// ErrUserNotFound is returned when an invitation names an unknown user.
	ErrUserNotFound = apperr.NotFound("user not found").WithCode("ErrUserNotFound")

	// ErrVersionConflict is returned when a conditional update finds a newer version.
	ErrVersionConflict = apperr.VersionConflict("document was modified concurrently").WithCode("ErrVersionConflict")

	// ErrDocumentExists is returned when creating a document whose id is taken.
	ErrDocumentExists = apperr.Validation("document already exists").WithCode("ErrDocumentExists")
)

// Store persists documents. ConditionalUpdate is the only way to modify an
// existing document: it writes doc only if the stored version still equals
// expectedVersion, and returns the new version.
type Store interface {
	Create(ctx context.Context, doc *model.Document) error
	FindByID(ctx context.Context, id string) (*model.Document, error)
	FindByShareToken(ctx context.Context, token string) (*model.Document, error)
	FindByOwnerOrEditor(ctx context.Context, userID string) ([]*model.Document, error)
	ConditionalUpdate(ctx context.Context, expectedVersion int64, doc *model.Document) (int64, error)
	Delete(ctx context.Context, id string) error
}

// Users resolves identities for invitations.
type Users interface {
	FindUserIDByEmail(ctx context.Context, email string) (string, error)
	UserExists(ctx context.Context, id string) (bool, error)
}
