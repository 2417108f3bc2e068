package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/feriteja/naskah/internal/document/access"
	"github.com/feriteja/naskah/internal/document/lock"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/document/repository"
	"github.com/feriteja/naskah/internal/document/sharing"
	"github.com/feriteja/naskah/internal/sheet"
	"github.com/feriteja/naskah/pkg/apperr"
	"github.com/feriteja/naskah/pkg/logger"
	"github.com/feriteja/naskah/pkg/metrics"
	"github.com/feriteja/naskah/socket"
)

// DefaultMaxAttempts bounds the read-modify-write loop of every mutation.
const DefaultMaxAttempts = 3

var ErrInvalidContent = apperr.Validation("content must be a JSON document").WithCode("ErrInvalidContent")

// Broadcaster fans document events out to connected sessions.
type Broadcaster interface {
	Publish(msg socket.WSMessage)
	RemoveDocument(docID string)
	RemoveUser(docID, userID string)
}

type Options struct {
	LockTTL     time.Duration
	MaxAttempts int
}

type DocumentService struct {
	Store repository.Store
	Users repository.Users
	Hub   Broadcaster

	// Now, NewID and NewToken are replaceable in tests.
	Now      func() time.Time
	NewID    func() string
	NewToken sharing.TokenFunc

	locks       *lock.Manager
	maxAttempts int
	retryDelay  time.Duration
}

func NewDocumentService(store repository.Store, users repository.Users, hub Broadcaster, opts Options) *DocumentService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &DocumentService{
		Store:       store,
		Users:       users,
		Hub:         hub,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
		NewToken:    sharing.NewToken,
		locks:       lock.NewManager(opts.LockTTL),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  10 * time.Millisecond,
	}
}

// LockTTL is the configured lock lifetime.
func (s *DocumentService) LockTTL() time.Duration {
	return s.locks.TTL
}

// mutate runs read, fn, conditional write against the stored document and
// retries the whole cycle when another writer won the version race. fn reports
// whether it changed anything; unchanged documents are not written. Errors
// from fn are final.
func (s *DocumentService) mutate(ctx context.Context, op, docID string, fn func(doc *model.Document) (bool, error)) (*model.Document, error) {
	var result *model.Document
	attempt := func() error {
		doc, err := s.Store.FindByID(ctx, docID)
		if err != nil {
			return backoff.Permanent(err)
		}
		changed, err := fn(doc)
		if err != nil {
			return backoff.Permanent(err)
		}
		if changed {
			if _, err := s.Store.ConditionalUpdate(ctx, doc.Version, doc); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					metrics.VersionConflictsTotal.Inc()
					logger.Sugar.Infof("Version conflict on %s for doc %s, retrying", op, docID)
					return err
				}
				return backoff.Permanent(err)
			}
		}
		result = doc
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryDelay
	policy.MaxInterval = 20 * s.retryDelay
	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(s.maxAttempts-1)), ctx))
	metrics.RecordWrite(op, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *DocumentService) load(ctx context.Context, docID, userID string, need access.Level) (*model.Document, error) {
	doc, err := s.Store.FindByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := access.Require(doc, userID, need); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) publish(msgType, docID, userID string, payload any) {
	if s.Hub == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Sugar.Errorf("Failed to encode %s event for doc %s: %v", msgType, docID, err)
		return
	}
	s.Hub.Publish(socket.WSMessage{Type: msgType, DocID: docID, UserID: userID, Payload: raw})
}

func (s *DocumentService) CreateDocument(ctx context.Context, userID string, req model.CreateDocRequest) (string, error) {
	if userID == "" {
		return "", access.ErrForbidden
	}
	doc, err := model.NewDocument(s.NewID(), userID, req.Title, req.Kind, s.Now())
	if err != nil {
		return "", err
	}
	if err := s.Store.Create(ctx, doc); err != nil {
		return "", err
	}
	logger.Sugar.Infof("Created %s document %s for %s", doc.Kind, doc.ID, userID)
	return doc.ID, nil
}

func (s *DocumentService) GetDocuments(ctx context.Context, userID string) ([]model.DocumentMetadata, error) {
	rows, err := s.Store.FindByOwnerOrEditor(ctx, userID)
	if err != nil {
		return nil, err
	}

	docs := make([]model.DocumentMetadata, 0, len(rows))
	for _, doc := range rows {
		meta := model.DocumentMetadata{
			ID:        doc.ID,
			Title:     doc.Title,
			Kind:      doc.Kind,
			UpdatedAt: doc.UpdatedAt,
			IsOwner:   doc.OwnerID == userID,
			Collab:    model.Members(doc),
		}
		if doc.Kind == model.KindText {
			meta.Snippet = getSnippetFromContent(doc.Content)
		}
		docs = append(docs, meta)
	}
	return docs, nil
}

// GetDocument returns the full view for owners and editors.
func (s *DocumentService) GetDocument(ctx context.Context, docID, userID string) (*model.DocumentView, error) {
	doc, err := s.load(ctx, docID, userID, access.Edit)
	if err != nil {
		return nil, err
	}

	view := &model.DocumentView{
		ID:        doc.ID,
		Title:     doc.Title,
		Kind:      doc.Kind,
		OwnerID:   doc.OwnerID,
		IsOwner:   doc.OwnerID == userID,
		Members:   model.Members(doc),
		Lock:      s.locks.State(doc, s.Now()),
		Comments:  doc.Comments,
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Kind == model.KindSpreadsheet {
		view.Cells = doc.Cells.Strings()
		view.Values = doc.Cells.Display()
	} else {
		view.Content = doc.Content
	}
	if view.IsOwner {
		share := doc.Share
		view.Share = &share
	}
	return view, nil
}

// Classify reports the access level userID has on the document.
func (s *DocumentService) Classify(ctx context.Context, docID, userID string) (access.Level, error) {
	doc, err := s.Store.FindByID(ctx, docID)
	if err != nil {
		return access.None, err
	}
	return access.Classify(doc, userID), nil
}

// Authorize admits userID to the document's realtime room.
func (s *DocumentService) Authorize(ctx context.Context, docID, userID string) error {
	_, err := s.load(ctx, docID, userID, access.Edit)
	return err
}

func (s *DocumentService) UpdateTitle(ctx context.Context, docID, userID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.Validation("title is required").WithCode("ErrEmptyTitle")
	}
	_, err := s.mutate(ctx, "update_title", docID, func(doc *model.Document) (bool, error) {
		if err := access.Require(doc, userID, access.Manage); err != nil {
			return false, err
		}
		if doc.Title == title {
			return false, nil
		}
		doc.Title = title
		doc.UpdatedAt = s.Now()
		return true, nil
	})
	if err != nil {
		return err
	}
	s.publish(socket.MetadataType, docID, userID, map[string]string{"title": title})
	return nil
}

// DeleteDocument removes the document with its comments and any lock, and
// disconnects its realtime room.
func (s *DocumentService) DeleteDocument(ctx context.Context, docID, userID string) error {
	if _, err := s.load(ctx, docID, userID, access.Manage); err != nil {
		return err
	}
	if err := s.Store.Delete(ctx, docID); err != nil {
		return err
	}
	if s.Hub != nil {
		s.Hub.RemoveDocument(docID)
	}
	logger.Sugar.Infof("Deleted document %s", docID)
	return nil
}

// AcquireOrRenewLock grants userID the lock when it is free or expired, or
// refreshes it when userID already holds it.
func (s *DocumentService) AcquireOrRenewLock(ctx context.Context, docID, userID string) (model.LockState, error) {
	var outcome lock.Outcome
	doc, err := s.mutate(ctx, "lock", docID, func(doc *model.Document) (bool, error) {
		var err error
		outcome, err = s.locks.Touch(doc, userID, s.Now())
		return err == nil, err
	})
	if err != nil {
		if apperr.Is(err, apperr.CodeLocked) {
			metrics.RecordLock("locked")
		}
		return model.LockState{}, err
	}

	metrics.RecordLock(string(outcome))
	state := s.locks.State(doc, s.Now())
	if outcome == lock.Granted {
		s.publish(socket.LockStatusType, docID, userID, state)
	}
	return state, nil
}

// ReleaseLock clears the lock if userID holds it. Releasing a lock held by
// someone else, or no lock at all, succeeds without changes.
func (s *DocumentService) ReleaseLock(ctx context.Context, docID, userID string) error {
	released := false
	_, err := s.mutate(ctx, "unlock", docID, func(doc *model.Document) (bool, error) {
		released = s.locks.Release(doc, userID)
		return released, nil
	})
	if err != nil {
		return err
	}
	if released {
		metrics.RecordLock("released")
		s.publish(socket.LockStatusType, docID, userID, model.LockState{})
	}
	return nil
}

// claimForWrite checks access and kind, then takes or renews the lock for
// userID so the content change lands with the writer holding it.
func (s *DocumentService) claimForWrite(doc *model.Document, userID string, kind model.Kind) error {
	if err := access.Require(doc, userID, access.Edit); err != nil {
		return err
	}
	if doc.Kind != kind {
		return fmt.Errorf("%s write on %s document: %w", kind, doc.Kind, model.ErrWrongKind)
	}
	_, err := s.locks.Touch(doc, userID, s.Now())
	return err
}

// WriteTextContent replaces the content of a text document.
func (s *DocumentService) WriteTextContent(ctx context.Context, docID, userID string, content json.RawMessage) (*model.Document, error) {
	if len(content) == 0 || string(content) == "null" || !json.Valid(content) {
		return nil, ErrInvalidContent
	}
	doc, err := s.mutate(ctx, "write_text", docID, func(doc *model.Document) (bool, error) {
		if err := s.claimForWrite(doc, userID, model.KindText); err != nil {
			return false, err
		}
		doc.Content = append(json.RawMessage(nil), content...)
		doc.UpdatedAt = s.Now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(socket.UpdateType, docID, userID, doc.Content)
	return doc, nil
}

type cellsEvent struct {
	Cells  map[string]string `json:"cells"`
	Values map[string]string `json:"values"`
}

// WriteSpreadsheetCells applies cell updates to a spreadsheet. An empty value
// removes the cell.
func (s *DocumentService) WriteSpreadsheetCells(ctx context.Context, docID, userID string, updates map[string]string) (*model.Document, error) {
	parsed, err := sheet.ParseCells(updates)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, apperr.Validation("no cells to write").WithCode("ErrEmptyCells")
	}

	doc, err := s.mutate(ctx, "write_cells", docID, func(doc *model.Document) (bool, error) {
		if err := s.claimForWrite(doc, userID, model.KindSpreadsheet); err != nil {
			return false, err
		}
		if doc.Cells == nil {
			doc.Cells = sheet.Cells{}
		}
		for ref, raw := range parsed {
			if raw == "" {
				delete(doc.Cells, ref)
				continue
			}
			doc.Cells[ref] = raw
		}
		doc.UpdatedAt = s.Now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(socket.CellsType, docID, userID, cellsEvent{Cells: parsed.Strings(), Values: doc.Cells.Display()})
	return doc, nil
}

// GetPublicDocument serves the read-only projection behind a share token.
// Disabled or unknown tokens look the same to the caller.
func (s *DocumentService) GetPublicDocument(ctx context.Context, token string) (*model.PublicView, error) {
	doc, err := s.Store.FindByShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if access.ClassifyPublic(doc) < access.View {
		return nil, repository.ErrDocumentNotFound
	}
	view := model.NewPublicView(doc)
	return &view, nil
}

func getSnippetFromContent(content json.RawMessage) string {
	type QuillOp struct {
		Insert interface{} `json:"insert"`
	}
	type QuillDelta struct {
		Ops []QuillOp `json:"ops"`
	}
	var delta QuillDelta
	if err := json.Unmarshal(content, &delta); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, op := range delta.Ops {
		if str, ok := op.Insert.(string); ok {
			sb.WriteString(str)
		}
		if sb.Len() > 100 {
			break
		}
	}
	res := strings.TrimSpace(sb.String())
	res = strings.ReplaceAll(res, "\n", " ")
	if r := []rune(res); len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return res
}
