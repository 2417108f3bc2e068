package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/feriteja/naskah/internal/sheet"
	"github.com/feriteja/naskah/pkg/apperr"
)

// Kind is the type of a document's content. It never changes after creation.
type Kind string

const (
	KindText        Kind = "text"
	KindSpreadsheet Kind = "spreadsheet"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindSpreadsheet
}

const (
	DefaultTitle = "Untitled Document"

	MaxQuoteLength       = 300
	MaxCommentTextLength = 2000
)

// EmptyTextContent is the editor delta stored for a new text document.
var EmptyTextContent = json.RawMessage(`{"ops":[]}`)

var (
	ErrInvalidKind    = apperr.Validation("invalid document kind").WithCode("ErrInvalidKind")
	ErrWrongKind      = apperr.Validation("operation does not match document kind").WithCode("ErrWrongKind")
	ErrInvalidLock    = apperr.Internal("lock holder and acquired time disagree").WithCode("ErrInvalidLock")
	ErrInvalidShare   = apperr.Internal("share enabled without a token").WithCode("ErrInvalidShare")
	ErrOwnerIsEditor  = apperr.Internal("owner listed as editor").WithCode("ErrOwnerIsEditor")
	ErrEmptyComment   = apperr.Validation("comment text is required").WithCode("ErrEmptyComment")
	ErrCommentTooLong = apperr.Validation("comment text exceeds 2000 characters").WithCode("ErrCommentTooLong")
	ErrQuoteTooLong   = apperr.Validation("comment quote exceeds 300 characters").WithCode("ErrQuoteTooLong")
	ErrDuplicateID    = apperr.Validation("comment id already exists").WithCode("ErrDuplicateCommentID")
	ErrCommentMissing = apperr.NotFound("comment not found").WithCode("ErrCommentNotFound")
)

// Lock is the single-writer slot embedded in every document. Holder is empty
// exactly when AcquiredAt is nil.
type Lock struct {
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
}

// IsHeld reports whether the stored lock names a holder, expired or not.
func (l Lock) IsHeld() bool {
	return l.Holder != ""
}

// HeldBy reports whether userID is the stored holder.
func (l Lock) HeldBy(userID string) bool {
	return l.IsHeld() && l.Holder == userID
}

// Grant hands the lock to holder as of at.
func (l *Lock) Grant(holder string, at time.Time) {
	t := at
	l.Holder = holder
	l.AcquiredAt = &t
}

// Clear empties the lock.
func (l *Lock) Clear() {
	l.Holder = ""
	l.AcquiredAt = nil
}

// Validate checks the holder/acquired-at pairing.
func (l Lock) Validate() error {
	if (l.Holder == "") != (l.AcquiredAt == nil) {
		return ErrInvalidLock
	}
	return nil
}

// PublicShare controls the token-gated read-only view. A token, once
// generated, is kept for the life of the document.
type PublicShare struct {
	Token   string `json:"token,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Validate checks that sharing is never enabled without a token.
func (s PublicShare) Validate() error {
	if s.Enabled && s.Token == "" {
		return ErrInvalidShare
	}
	return nil
}

// Comment is a note attached to a document, optionally quoting its content.
type Comment struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"user_id"`
	Quote     string          `json:"quote,omitempty"`
	Text      string          `json:"content"`
	TextRange json.RawMessage `json:"text_range,omitempty"`
	Resolved  bool            `json:"resolved"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewComment validates the lengths of text and quote, counted in characters.
func NewComment(id, authorID, quote, text string, textRange json.RawMessage, now time.Time) (Comment, error) {
	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		return Comment{}, ErrEmptyComment
	case n > MaxCommentTextLength:
		return Comment{}, ErrCommentTooLong
	}
	if utf8.RuneCountInString(quote) > MaxQuoteLength {
		return Comment{}, ErrQuoteTooLong
	}
	return Comment{
		ID:        id,
		AuthorID:  authorID,
		Quote:     quote,
		Text:      text,
		TextRange: textRange,
		CreatedAt: now,
	}, nil
}

// Document is the aggregate every operation reads and conditionally writes.
// Version advances on every persisted mutation.
type Document struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Title     string          `json:"title"`
	Kind      Kind            `json:"kind"`
	Editors   []string        `json:"editors"`
	Content   json.RawMessage `json:"content,omitempty"`
	Cells     sheet.Cells     `json:"cells,omitempty"`
	Lock      Lock            `json:"lock"`
	Share     PublicShare     `json:"share"`
	Comments  []Comment       `json:"comments"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewDocument returns an empty document of the given kind owned by ownerID.
func NewDocument(id, ownerID, title string, kind Kind, now time.Time) (*Document, error) {
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("new document of kind %q: %w", kind, ErrInvalidKind)
	}
	if title == "" {
		title = DefaultTitle
	}
	doc := &Document{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Kind:      kind,
		Editors:   []string{},
		Comments:  []Comment{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch kind {
	case KindText:
		doc.Content = slices.Clone(EmptyTextContent)
	case KindSpreadsheet:
		doc.Cells = sheet.Cells{}
	}
	return doc, nil
}

// IsEditor reports whether userID is in the editor set.
func (d *Document) IsEditor(userID string) bool {
	return slices.Contains(d.Editors, userID)
}

// FindComment returns the index of the comment with the given id, or -1.
func (d *Document) FindComment(id string) int {
	return slices.IndexFunc(d.Comments, func(c Comment) bool { return c.ID == id })
}

// Validate checks the invariants the store must never persist a violation of.
func (d *Document) Validate() error {
	if !d.Kind.Valid() {
		return ErrInvalidKind
	}
	if err := d.Lock.Validate(); err != nil {
		return err
	}
	if err := d.Share.Validate(); err != nil {
		return err
	}
	if d.IsEditor(d.OwnerID) {
		return ErrOwnerIsEditor
	}
	return nil
}

// DeepCopy returns a copy that shares no mutable state with d.
func (d *Document) DeepCopy() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Editors = slices.Clone(d.Editors)
	clone.Content = slices.Clone(d.Content)
	clone.Cells = d.Cells.Clone()
	clone.Comments = make([]Comment, len(d.Comments))
	for i, c := range d.Comments {
		c.TextRange = slices.Clone(c.TextRange)
		clone.Comments[i] = c
	}
	if d.Lock.AcquiredAt != nil {
		t := *d.Lock.AcquiredAt
		clone.Lock.AcquiredAt = &t
	}
	return &clone
}
