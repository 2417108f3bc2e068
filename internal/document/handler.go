package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/feriteja/naskah/internal/document/lock"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/document/service"
	"github.com/feriteja/naskah/middleware"
	"github.com/feriteja/naskah/pkg/apperr"
	"github.com/feriteja/naskah/pkg/logger"
)

var errUnauthenticated = apperr.Unauthenticated("no authenticated user").WithCode("ErrUnauthenticated")

type DocumentHandler struct {
	Service  *service.DocumentService
	validate *validator.Validate
}

func NewDocumentHandler(service *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{Service: service, validate: validator.New()}
}

type errorResponse struct {
	Error      string     `json:"error"`
	Message    string     `json:"message"`
	Holder     string     `json:"holder,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	resp := errorResponse{Error: apperr.CodeOf(err), Message: err.Error()}

	if status >= http.StatusInternalServerError {
		logger.Sugar.Errorf("Handler: %s %s failed: %v", r.Method, r.URL.Path, err)
		resp.Message = "internal error"
	} else {
		logger.Sugar.Warnf("Handler: %s %s rejected: %v", r.Method, r.URL.Path, err)
	}

	var held *lock.HeldError
	if errors.As(err, &held) {
		resp.Holder = held.Holder
		resp.AcquiredAt = &held.AcquiredAt
	}
	writeJSON(w, status, resp)
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (h *DocumentHandler) decode(r *http.Request, req any) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return apperr.Validation("invalid request body").WithCode("ErrInvalidBody")
	}
	if err := h.validate.Struct(req); err != nil {
		return apperr.Validation(err.Error()).WithCode("ErrInvalidRequest")
	}
	return nil
}

func requireQuery(r *http.Request, name string) (string, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return "", apperr.Validation("missing " + name + " parameter").WithCode("ErrMissingParameter")
	}
	return value, nil
}

// requester returns the authenticated user, writing a 401 when there is none.
func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		writeError(w, r, errUnauthenticated)
	}
	return userID, ok
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}

	var req model.CreateDocRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	docID, err := h.Service.CreateDocument(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.CreateDocResponse{DocID: docID})
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}

	docs, err := h.Service.GetDocuments(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := h.Service.GetDocument(r.Context(), docID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.Service.DeleteDocument(r.Context(), docID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document deleted successfully"))
}

func (h *DocumentHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req model.UpdateDocRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Service.UpdateTitle(r.Context(), docID, userID, req.Title); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document updated successfully"))
}

func (h *DocumentHandler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}

	var req model.SaveDocRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := h.Service.WriteTextContent(r.Context(), req.DocID, userID, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SaveDocResponse{Version: doc.Version})
}

func (h *DocumentHandler) SaveCells(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}

	var req model.SaveCellsRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := h.Service.WriteSpreadsheetCells(r.Context(), req.DocID, userID, req.Cells)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SaveDocResponse{Version: doc.Version, Values: doc.Cells.Display()})
}

// Lock acquires or renews the lock on POST and releases it on DELETE.
func (h *DocumentHandler) Lock(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.Method == http.MethodDelete {
		if err := h.Service.ReleaseLock(r.Context(), docID, userID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, model.LockState{})
		return
	}

	state, err := h.Service.AcquireOrRenewLock(r.Context(), docID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *DocumentHandler) GrantEditor(w http.ResponseWriter, r *http.Request) {
	h.editors(w, r, h.Service.GrantEditor)
}

func (h *DocumentHandler) RevokeEditor(w http.ResponseWriter, r *http.Request) {
	h.editors(w, r, h.Service.RevokeEditor)
}

type editorOp func(ctx context.Context, userID string, req model.EditorRequest) ([]model.CollaboratorInfo, error)

func (h *DocumentHandler) editors(w http.ResponseWriter, r *http.Request, op editorOp) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}

	var req model.EditorRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	members, err := op(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *DocumentHandler) GetDocumentMembers(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	members, err := h.Service.GetMembers(r.Context(), docID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// Share enables the public view on POST and disables it on DELETE.
func (h *DocumentHandler) Share(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var share model.PublicShare
	if r.Method == http.MethodDelete {
		share, err = h.Service.DisableShare(r.Context(), docID, userID)
	} else {
		share, err = h.Service.EnableShare(r.Context(), docID, userID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

// GetPublicDocument serves a shared document. It needs no identity.
func (h *DocumentHandler) GetPublicDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	token, err := requireQuery(r, "token")
	if err != nil {
		writeError(w, r, err)
		return
	}

	view, err := h.Service.GetPublicDocument(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *DocumentHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}

	var req model.CommentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	comment, err := h.Service.AddComment(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *DocumentHandler) GetComments(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, err := requireQuery(r, "docId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	comments, err := h.Service.ListComments(r.Context(), docID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

func commentParams(r *http.Request) (string, string, error) {
	docID, err := requireQuery(r, "docId")
	if err != nil {
		return "", "", err
	}
	commentID, err := requireQuery(r, "commentId")
	if err != nil {
		return "", "", err
	}
	return docID, commentID, nil
}

func (h *DocumentHandler) ResolveComment(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, commentID, err := commentParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	comment, err := h.Service.ResolveComment(r.Context(), docID, commentID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (h *DocumentHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	docID, commentID, err := commentParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.Service.DeleteComment(r.Context(), docID, commentID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Comment deleted"))
}
