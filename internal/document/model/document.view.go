package model

import (
	"encoding/json"
	"time"
)

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type CollaboratorInfo struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
)

type DocumentMetadata struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Kind      Kind               `json:"kind"`
	UpdatedAt time.Time          `json:"updated_at"`
	Snippet   string             `json:"snippet"`
	IsOwner   bool               `json:"is_owner"`
	Collab    []CollaboratorInfo `json:"collab"`
}

// LockState is the lock as a reader should see it: the stored holder plus
// whether that claim has already lapsed.
type LockState struct {
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Expired    bool       `json:"expired"`
}

// DocumentView is what owners and editors receive. Values holds the
// evaluated spreadsheet cells and is never stored.
type DocumentView struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Kind      Kind               `json:"kind"`
	OwnerID   string             `json:"owner_id"`
	IsOwner   bool               `json:"is_owner"`
	Members   []CollaboratorInfo `json:"members"`
	Content   json.RawMessage    `json:"content,omitempty"`
	Cells     map[string]string  `json:"cells,omitempty"`
	Values    map[string]string  `json:"values,omitempty"`
	Lock      LockState          `json:"lock"`
	Share     *PublicShare       `json:"share,omitempty"`
	Comments  []Comment          `json:"comments"`
	Version   int64              `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PublicView is the read model served through a share token. It carries no
// owner, editor or lock information.
type PublicView struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Content   json.RawMessage   `json:"content,omitempty"`
	Cells     map[string]string `json:"cells,omitempty"`
	Values    map[string]string `json:"values,omitempty"`
	Comments  []Comment         `json:"comments"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewPublicView projects doc onto its public read model.
func NewPublicView(doc *Document) PublicView {
	view := PublicView{
		ID:        doc.ID,
		Kind:      doc.Kind,
		Title:     doc.Title,
		Comments:  doc.Comments,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Kind == KindSpreadsheet {
		view.Cells = doc.Cells.Strings()
		view.Values = doc.Cells.Display()
	} else {
		view.Content = doc.Content
	}
	return view
}

// Members lists the owner followed by every editor.
func Members(doc *Document) []CollaboratorInfo {
	members := make([]CollaboratorInfo, 0, len(doc.Editors)+1)
	members = append(members, CollaboratorInfo{ID: doc.OwnerID, Role: RoleOwner})
	for _, id := range doc.Editors {
		members = append(members, CollaboratorInfo{ID: id, Role: RoleEditor})
	}
	return members
}

type CreateDocRequest struct {
	Title string `json:"title" validate:"max=200"`
	Kind  Kind   `json:"kind" validate:"omitempty,oneof=text spreadsheet"`
}

type UpdateDocRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type SaveDocRequest struct {
	DocID   string          `json:"document_id" validate:"required"`
	Content json.RawMessage `json:"content" validate:"required"`
}

type SaveCellsRequest struct {
	DocID string            `json:"document_id" validate:"required"`
	Cells map[string]string `json:"cells" validate:"required,min=1"`
}

type EditorRequest struct {
	DocID  string `json:"document_id" validate:"required"`
	UserID string `json:"user_id" validate:"required_without=Email"`
	Email  string `json:"email" validate:"omitempty,email"`
}

type CommentRequest struct {
	DocID     string          `json:"document_id" validate:"required"`
	ID        string          `json:"id"`
	Content   string          `json:"content" validate:"required,max=2000"`
	Quote     string          `json:"quote" validate:"max=300"`
	TextRange json.RawMessage `json:"text_range"` // JSON {index, length}
}

// SaveDocResponse answers a content write with the new version, and the
// evaluated cells for spreadsheets.
type SaveDocResponse struct {
	Version int64             `json:"version"`
	Values  map[string]string `json:"values,omitempty"`
}
