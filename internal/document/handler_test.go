package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/document/repository/memory"
	"github.com/feriteja/naskah/internal/document/service"
	"github.com/feriteja/naskah/middleware"
)

func newHandler(t *testing.T) *DocumentHandler {
	t.Helper()
	db, err := memory.New()
	require.NoError(t, err)
	for _, user := range []string{"owner", "u1"} {
		require.NoError(t, db.AddUser(context.Background(), user, user+"@example.com"))
	}
	svc := service.NewDocumentService(db, db, nil, service.Options{})
	return NewDocumentHandler(svc)
}

func call(t *testing.T, fn http.HandlerFunc, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func create(t *testing.T, h *DocumentHandler, owner string, kind model.Kind) string {
	t.Helper()
	rec := call(t, h.CreateDocument, http.MethodPost, "/api/documents/create", owner, model.CreateDocRequest{Title: "Draft", Kind: kind})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.CreateDocResponse](t, rec).DocID
}

func TestCreateAndGetDocument(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindSpreadsheet)

	rec := call(t, h.GetDocument, http.MethodGet, "/api/documents/get?docId="+docID, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[model.DocumentView](t, rec)
	assert.Equal(t, model.KindSpreadsheet, view.Kind)
	assert.Equal(t, "Draft", view.Title)
	assert.True(t, view.IsOwner)

	rec = call(t, h.GetDocuments, http.MethodGet, "/api/documents", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.DocumentMetadata](t, rec), 1)
}

func TestSaveCellsReturnsEvaluatedValues(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindSpreadsheet)

	rec := call(t, h.SaveCells, http.MethodPost, "/api/documents/cells", "owner", model.SaveCellsRequest{
		DocID: docID,
		Cells: map[string]string{"A1": "2", "A2": "3", "A3": "=SUM(A1:A2)"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[model.SaveDocResponse](t, rec)
	assert.Equal(t, "5", resp.Values["A3"])
	assert.Equal(t, int64(1), resp.Version)
}

func TestWriteBlockedByLockHolder(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindText)

	rec := call(t, h.GrantEditor, http.MethodPost, "/api/documents/editors/grant", "owner", model.EditorRequest{DocID: docID, UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h.Lock, http.MethodPost, "/api/documents/lock?docId="+docID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", decodeBody[model.LockState](t, rec).Holder)

	rec = call(t, h.SaveDocument, http.MethodPost, "/api/documents/save", "owner", map[string]any{
		"document_id": docID,
		"content":     map[string]any{"ops": []any{map[string]any{"insert": "mine\n"}}},
	})
	assert.Equal(t, http.StatusLocked, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "ErrDocumentLocked", resp.Error)
	assert.Equal(t, "u1", resp.Holder)
	assert.NotNil(t, resp.AcquiredAt)

	rec = call(t, h.Lock, http.MethodDelete, "/api/documents/lock?docId="+docID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h.SaveDocument, http.MethodPost, "/api/documents/save", "owner", map[string]any{
		"document_id": docID,
		"content":     map[string]any{"ops": []any{map[string]any{"insert": "mine\n"}}},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRequestErrors(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindText)

	tests := []struct {
		name   string
		fn     http.HandlerFunc
		method string
		target string
		user   string
		body   any
		status int
		code   string
	}{
		{"missing document id", h.SaveDocument, http.MethodPost, "/api/documents/save", "owner", map[string]any{"content": map[string]any{}}, http.StatusBadRequest, "ErrInvalidRequest"},
		{"missing docId query", h.GetDocument, http.MethodGet, "/api/documents/get", "owner", nil, http.StatusBadRequest, "ErrMissingParameter"},
		{"stranger", h.GetDocument, http.MethodGet, "/api/documents/get?docId=" + docID, "stranger", nil, http.StatusForbidden, "ErrForbidden"},
		{"stranger cannot delete", h.DeleteDocument, http.MethodDelete, "/api/documents/delete?docId=" + docID, "stranger", nil, http.StatusForbidden, "ErrForbidden"},
		{"unknown document", h.GetDocument, http.MethodGet, "/api/documents/get?docId=missing", "owner", nil, http.StatusNotFound, ""},
		{"no identity", h.GetDocuments, http.MethodGet, "/api/documents", "", nil, http.StatusUnauthorized, "ErrUnauthenticated"},
		{"wrong kind", h.SaveCells, http.MethodPost, "/api/documents/cells", "owner", model.SaveCellsRequest{DocID: docID, Cells: map[string]string{"A1": "1"}}, http.StatusBadRequest, "ErrWrongKind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, tt.fn, tt.method, tt.target, tt.user, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeBody[errorResponse](t, rec).Error)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler(t)
	rec := call(t, h.CreateDocument, http.MethodGet, "/api/documents/create", "owner", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPublicShareLifecycle(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindText)

	rec := call(t, h.Share, http.MethodPost, "/api/documents/share?docId="+docID, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	share := decodeBody[model.PublicShare](t, rec)
	require.True(t, share.Enabled)
	require.NotEmpty(t, share.Token)

	rec = call(t, h.GetPublicDocument, http.MethodGet, "/api/public?token="+share.Token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, docID, decodeBody[model.PublicView](t, rec).ID)

	rec = call(t, h.Share, http.MethodDelete, "/api/documents/share?docId="+docID, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[model.PublicShare](t, rec).Enabled)

	rec = call(t, h.GetPublicDocument, http.MethodGet, "/api/public?token="+share.Token, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommentRoutes(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindText)

	rec := call(t, h.AddComment, http.MethodPost, "/api/documents/comments/add", "owner", model.CommentRequest{DocID: docID, Content: "tighten this"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	comment := decodeBody[model.Comment](t, rec)
	require.NotEmpty(t, comment.ID)

	target := "/api/documents/comments/resolve?docId=" + docID + "&commentId=" + comment.ID
	rec = call(t, h.ResolveComment, http.MethodPut, target, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[model.Comment](t, rec).Resolved)

	rec = call(t, h.GetComments, http.MethodGet, "/api/documents/comments?docId="+docID, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.Comment](t, rec), 1)

	rec = call(t, h.DeleteComment, http.MethodDelete, "/api/documents/comments/delete?docId="+docID+"&commentId="+comment.ID, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h.GetComments, http.MethodGet, "/api/documents/comments?docId="+docID, "owner", nil)
	assert.Empty(t, decodeBody[[]model.Comment](t, rec))
}

func TestMembersRoutes(t *testing.T) {
	h := newHandler(t)
	docID := create(t, h, "owner", model.KindText)

	rec := call(t, h.GrantEditor, http.MethodPost, "/api/documents/editors/grant", "owner", model.EditorRequest{DocID: docID, UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[[]model.CollaboratorInfo](t, rec), 2)

	rec = call(t, h.GrantEditor, http.MethodPost, "/api/documents/editors/grant", "owner", model.EditorRequest{DocID: docID, UserID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ErrUserNotFound", decodeBody[errorResponse](t, rec).Error)

	rec = call(t, h.GetDocumentMembers, http.MethodGet, "/api/documents/members?docId="+docID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h.RevokeEditor, http.MethodPost, "/api/documents/editors/revoke", "owner", model.EditorRequest{DocID: docID, UserID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.CollaboratorInfo](t, rec), 1)

	rec = call(t, h.GetDocumentMembers, http.MethodGet, "/api/documents/members?docId="+docID, "u1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
