package service

import (
	"context"
	"slices"

	"github.com/feriteja/naskah/internal/document/access"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/socket"
)

// AddComment attaches a comment to the document. Commenting needs Edit but
// not the lock.
func (s *DocumentService) AddComment(ctx context.Context, userID string, req model.CommentRequest) (*model.Comment, error) {
	id := req.ID
	if id == "" {
		id = s.NewID()
	}
	comment, err := model.NewComment(id, userID, req.Quote, req.Content, req.TextRange, s.Now())
	if err != nil {
		return nil, err
	}

	_, err = s.mutate(ctx, "add_comment", req.DocID, func(doc *model.Document) (bool, error) {
		if err := access.Require(doc, userID, access.Edit); err != nil {
			return false, err
		}
		if doc.FindComment(comment.ID) >= 0 {
			return false, model.ErrDuplicateID
		}
		doc.Comments = append(doc.Comments, comment)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(socket.CommentType, req.DocID, userID, comment)
	return &comment, nil
}

func (s *DocumentService) ListComments(ctx context.Context, docID, userID string) ([]model.Comment, error) {
	doc, err := s.load(ctx, docID, userID, access.Edit)
	if err != nil {
		return nil, err
	}
	if doc.Comments == nil {
		return []model.Comment{}, nil
	}
	return doc.Comments, nil
}

// commentTarget finds the comment and checks that userID may change it: its
// author or the document owner, both with Edit.
func commentTarget(doc *model.Document, commentID, userID string) (int, error) {
	if err := access.Require(doc, userID, access.Edit); err != nil {
		return -1, err
	}
	i := doc.FindComment(commentID)
	if i < 0 {
		return -1, model.ErrCommentMissing
	}
	if doc.Comments[i].AuthorID != userID && doc.OwnerID != userID {
		return -1, access.ErrForbidden
	}
	return i, nil
}

// ResolveComment flips the resolved flag of a comment.
func (s *DocumentService) ResolveComment(ctx context.Context, docID, commentID, userID string) (*model.Comment, error) {
	var resolved model.Comment
	_, err := s.mutate(ctx, "resolve_comment", docID, func(doc *model.Document) (bool, error) {
		i, err := commentTarget(doc, commentID, userID)
		if err != nil {
			return false, err
		}
		doc.Comments[i].Resolved = !doc.Comments[i].Resolved
		resolved = doc.Comments[i]
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(socket.CommentUpdateType, docID, userID, map[string]any{"id": commentID, "resolved": resolved.Resolved})
	return &resolved, nil
}

func (s *DocumentService) DeleteComment(ctx context.Context, docID, commentID, userID string) error {
	_, err := s.mutate(ctx, "delete_comment", docID, func(doc *model.Document) (bool, error) {
		i, err := commentTarget(doc, commentID, userID)
		if err != nil {
			return false, err
		}
		doc.Comments = slices.Delete(doc.Comments, i, i+1)
		return true, nil
	})
	if err != nil {
		return err
	}
	s.publish(socket.CommentDeleteType, docID, userID, map[string]string{"id": commentID})
	return nil
}
