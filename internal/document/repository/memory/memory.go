// Package memory implements the document Store on go-memdb, for running
// without Postgres and for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-memdb"

	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/document/repository"
)

var (
	tblDocuments = "documents"
	tblUsers     = "users"
)

// documentRecord flattens the fields memdb indexes on.
type documentRecord struct {
	ID         string
	OwnerID    string
	Editors    []string
	ShareToken string
	Doc        *model.Document
}

type userRecord struct {
	ID    string
	Email string
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblDocuments: {
			Name: tblDocuments,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"owner_id": {
					Name:    "owner_id",
					Indexer: &memdb.StringFieldIndex{Field: "OwnerID"},
				},
				"editors": {
					Name:         "editors",
					AllowMissing: true,
					Indexer:      &memdb.StringSliceFieldIndex{Field: "Editors"},
				},
				"share_token": {
					Name:         "share_token",
					Unique:       true,
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "ShareToken"},
				},
			},
		},
		tblUsers: {
			Name: tblUsers,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"email": {
					Name:    "email",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Email", Lowercase: true},
				},
			},
		},
	},
}

// DB is an in-memory document store. Documents are copied on the way in and
// out so callers never share state with the store.
type DB struct {
	db *memdb.MemDB
}

// New returns an empty in-memory store.
func New() (*DB, error) {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}
	return &DB{db: memDB}, nil
}

func newRecord(doc *model.Document) *documentRecord {
	stored := doc.DeepCopy()
	return &documentRecord{
		ID:         stored.ID,
		OwnerID:    stored.OwnerID,
		Editors:    stored.Editors,
		ShareToken: stored.Share.Token,
		Doc:        stored,
	}
}

// Create inserts a new document.
func (d *DB) Create(_ context.Context, doc *model.Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}

	txn := d.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tblDocuments, "id", doc.ID)
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	if existing != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, repository.ErrDocumentExists)
	}

	if err := txn.Insert(tblDocuments, newRecord(doc)); err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	txn.Commit()
	return nil
}

// FindByID returns a copy of the document with the given id.
func (d *DB) FindByID(_ context.Context, id string) (*model.Document, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblDocuments, "id", id)
	if err != nil {
		return nil, fmt.Errorf("find document %s: %w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("find document %s: %w", id, repository.ErrDocumentNotFound)
	}
	return raw.(*documentRecord).Doc.DeepCopy(), nil
}

// FindByShareToken returns the document carrying the given share token.
func (d *DB) FindByShareToken(_ context.Context, token string) (*model.Document, error) {
	if token == "" {
		return nil, repository.ErrDocumentNotFound
	}

	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblDocuments, "share_token", token)
	if err != nil {
		return nil, fmt.Errorf("find shared document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("find shared document: %w", repository.ErrDocumentNotFound)
	}
	return raw.(*documentRecord).Doc.DeepCopy(), nil
}

// FindByOwnerOrEditor returns every document userID owns or edits, most
// recently updated first.
func (d *DB) FindByOwnerOrEditor(_ context.Context, userID string) ([]*model.Document, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	seen := make(map[string]bool)
	var docs []*model.Document
	for _, index := range []string{"owner_id", "editors"} {
		iter, err := txn.Get(tblDocuments, index, userID)
		if err != nil {
			return nil, fmt.Errorf("find documents of %s: %w", userID, err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			record := raw.(*documentRecord)
			if seen[record.ID] {
				continue
			}
			seen[record.ID] = true
			docs = append(docs, record.Doc.DeepCopy())
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

// ConditionalUpdate replaces the stored document if its version is still
// expectedVersion. On success doc.Version is advanced.
func (d *DB) ConditionalUpdate(_ context.Context, expectedVersion int64, doc *model.Document) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, fmt.Errorf("update document %s: %w", doc.ID, err)
	}

	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblDocuments, "id", doc.ID)
	if err != nil {
		return 0, fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	if raw == nil {
		return 0, fmt.Errorf("update document %s: %w", doc.ID, repository.ErrDocumentNotFound)
	}
	current := raw.(*documentRecord).Doc
	if current.Version != expectedVersion {
		return 0, fmt.Errorf("update document %s at version %d: %w", doc.ID, expectedVersion, repository.ErrVersionConflict)
	}

	record := newRecord(doc)
	record.Doc.Version = current.Version + 1
	record.Doc.CreatedAt = current.CreatedAt
	if err := txn.Insert(tblDocuments, record); err != nil {
		return 0, fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	txn.Commit()

	doc.Version = record.Doc.Version
	return doc.Version, nil
}

// Delete removes the document with the given id.
func (d *DB) Delete(_ context.Context, id string) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblDocuments, "id", id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if raw == nil {
		return fmt.Errorf("delete document %s: %w", id, repository.ErrDocumentNotFound)
	}
	if err := txn.Delete(tblDocuments, raw); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

// AddUser registers a user that invitations by email can resolve.
func (d *DB) AddUser(_ context.Context, id, email string) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tblUsers, &userRecord{ID: id, Email: strings.ToLower(email)}); err != nil {
		return fmt.Errorf("add user %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

// FindUserIDByEmail resolves an email registered with AddUser.
func (d *DB) FindUserIDByEmail(_ context.Context, email string) (string, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblUsers, "email", strings.ToLower(email))
	if err != nil {
		return "", fmt.Errorf("find user %s: %w", email, err)
	}
	if raw == nil {
		return "", fmt.Errorf("find user %s: %w", email, repository.ErrUserNotFound)
	}
	return raw.(*userRecord).ID, nil
}

// UserExists reports whether id was registered with AddUser.
func (d *DB) UserExists(_ context.Context, id string) (bool, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblUsers, "id", id)
	if err != nil {
		return false, fmt.Errorf("find user %s: %w", id, err)
	}
	return raw != nil, nil
}
