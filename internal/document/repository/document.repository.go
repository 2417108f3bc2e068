package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/sheet"
	"github.com/feriteja/naskah/pkg/logger"
)

const uniqueViolation = "23505"

const documentColumns = `id, owner_id, title, kind, editors, content, cells, comments, ` +
	`lock_holder, lock_acquired_at, share_token, share_enabled, version, created_at, updated_at`

// DocumentRepository is the Postgres Store. Documents live in one row each;
// cells and comments are JSONB, editors a text[].
type DocumentRepository struct {
	DB *sqlx.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: sqlx.NewDb(db, "postgres")}
}

type documentRow struct {
	ID             string         `db:"id"`
	OwnerID        string         `db:"owner_id"`
	Title          string         `db:"title"`
	Kind           string         `db:"kind"`
	Editors        pq.StringArray `db:"editors"`
	Content        []byte         `db:"content"`
	Cells          []byte         `db:"cells"`
	Comments       []byte         `db:"comments"`
	LockHolder     sql.NullString `db:"lock_holder"`
	LockAcquiredAt sql.NullTime   `db:"lock_acquired_at"`
	ShareToken     sql.NullString `db:"share_token"`
	ShareEnabled   bool           `db:"share_enabled"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func toRow(doc *model.Document) (*documentRow, error) {
	cells := doc.Cells
	if cells == nil {
		cells = sheet.Cells{}
	}
	cellsJSON, err := json.Marshal(cells)
	if err != nil {
		return nil, fmt.Errorf("encode cells: %w", err)
	}
	comments := doc.Comments
	if comments == nil {
		comments = []model.Comment{}
	}
	commentsJSON, err := json.Marshal(comments)
	if err != nil {
		return nil, fmt.Errorf("encode comments: %w", err)
	}

	row := &documentRow{
		ID:           doc.ID,
		OwnerID:      doc.OwnerID,
		Title:        doc.Title,
		Kind:         string(doc.Kind),
		Editors:      pq.StringArray(doc.Editors),
		Cells:        cellsJSON,
		Comments:     commentsJSON,
		LockHolder:   sql.NullString{String: doc.Lock.Holder, Valid: doc.Lock.IsHeld()},
		ShareToken:   sql.NullString{String: doc.Share.Token, Valid: doc.Share.Token != ""},
		ShareEnabled: doc.Share.Enabled,
		Version:      doc.Version,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if row.Editors == nil {
		row.Editors = pq.StringArray{}
	}
	if len(doc.Content) > 0 {
		row.Content = doc.Content
	}
	if doc.Lock.AcquiredAt != nil {
		row.LockAcquiredAt = sql.NullTime{Time: *doc.Lock.AcquiredAt, Valid: true}
	}
	return row, nil
}

func (row *documentRow) toModel() (*model.Document, error) {
	doc := &model.Document{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Title:     row.Title,
		Kind:      model.Kind(row.Kind),
		Editors:   []string(row.Editors),
		Content:   row.Content,
		Comments:  []model.Comment{},
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Share: model.PublicShare{
			Token:   row.ShareToken.String,
			Enabled: row.ShareEnabled,
		},
	}
	if doc.Editors == nil {
		doc.Editors = []string{}
	}
	if row.LockHolder.Valid && row.LockAcquiredAt.Valid {
		doc.Lock.Grant(row.LockHolder.String, row.LockAcquiredAt.Time)
	}
	if len(row.Cells) > 0 && doc.Kind == model.KindSpreadsheet {
		if err := json.Unmarshal(row.Cells, &doc.Cells); err != nil {
			return nil, fmt.Errorf("decode cells of %s: %w", row.ID, err)
		}
	}
	if len(row.Comments) > 0 {
		if err := json.Unmarshal(row.Comments, &doc.Comments); err != nil {
			return nil, fmt.Errorf("decode comments of %s: %w", row.ID, err)
		}
	}
	return doc, nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	row, err := toRow(doc)
	if err != nil {
		return err
	}
	_, err = r.DB.NamedExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (:id, :owner_id, :title, :kind, :editors, :content, :cells, :comments,
			:lock_holder, :lock_acquired_at, :share_token, :share_enabled, :version, :created_at, :updated_at)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("create document %s: %w", doc.ID, ErrDocumentExists)
		}
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return err
	}
	return nil
}

func (r *DocumentRepository) findOne(ctx context.Context, where string, arg any) (*model.Document, error) {
	var row documentRow
	err := r.DB.GetContext(ctx, &row, `SELECT `+documentColumns+` FROM documents WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to find document (%s): %v", where, err)
		return nil, err
	}
	return row.toModel()
}

func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	doc, err := r.findOne(ctx, "id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("find document %s: %w", id, err)
	}
	return doc, nil
}

func (r *DocumentRepository) FindByShareToken(ctx context.Context, token string) (*model.Document, error) {
	if token == "" {
		return nil, ErrDocumentNotFound
	}
	doc, err := r.findOne(ctx, "share_token = $1", token)
	if err != nil {
		return nil, fmt.Errorf("find shared document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) FindByOwnerOrEditor(ctx context.Context, userID string) ([]*model.Document, error) {
	var rows []documentRow
	err := r.DB.SelectContext(ctx, &rows, `SELECT `+documentColumns+` FROM documents
		WHERE owner_id = $1 OR $1 = ANY(editors)
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, err
	}

	docs := make([]*model.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toModel()
		if err != nil {
			logger.Sugar.Errorf("Skipping unreadable document %s: %v", rows[i].ID, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *DocumentRepository) ConditionalUpdate(ctx context.Context, expectedVersion int64, doc *model.Document) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	row, err := toRow(doc)
	if err != nil {
		return 0, err
	}

	var newVersion int64
	err = r.DB.QueryRowxContext(ctx, `UPDATE documents SET
			title = $1, editors = $2, content = $3, cells = $4, comments = $5,
			lock_holder = $6, lock_acquired_at = $7, share_token = $8, share_enabled = $9,
			updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12
		RETURNING version`,
		row.Title, row.Editors, row.Content, row.Cells, row.Comments,
		row.LockHolder, row.LockAcquiredAt, row.ShareToken, row.ShareEnabled,
		row.UpdatedAt, row.ID, expectedVersion,
	).Scan(&newVersion)
	if err == nil {
		doc.Version = newVersion
		return newVersion, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to update document %s: %v", doc.ID, err)
		return 0, err
	}

	var exists bool
	if err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, doc.ID); err != nil {
		logger.Sugar.Errorf("Failed to check document %s: %v", doc.ID, err)
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("update document %s: %w", doc.ID, ErrDocumentNotFound)
	}
	return 0, fmt.Errorf("update document %s at version %d: %w", doc.ID, expectedVersion, ErrVersionConflict)
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.DB.ExecContext(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", id, err)
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete document %s: %w", id, ErrDocumentNotFound)
	}
	return nil
}

// FindUserIDByEmail looks up a Supabase auth user.
func (r *DocumentRepository) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	var userID string
	err := r.DB.GetContext(ctx, &userID, "SELECT id FROM auth.users WHERE email = $1", email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("find user %s: %w", email, ErrUserNotFound)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get user by email %s: %v", email, err)
		return "", err
	}
	return userID, nil
}

// UserExists reports whether a Supabase auth user has the given id. The id is
// compared as text so malformed ids are simply absent.
func (r *DocumentRepository) UserExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM auth.users WHERE id::text = $1)", id)
	if err != nil {
		logger.Sugar.Errorf("Failed to check user %s: %v", id, err)
		return false, err
	}
	return exists, nil
}
