package service

import (
	"context"
	"fmt"

	"github.com/feriteja/naskah/internal/document/access"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/document/repository"
	"github.com/feriteja/naskah/internal/document/sharing"
	"github.com/feriteja/naskah/pkg/logger"
	"github.com/feriteja/naskah/socket"
)

// resolveTarget turns an invitation into a user id. User lookups happen
// only after the requester is known to be the owner.
func (s *DocumentService) resolveTarget(ctx context.Context, req model.EditorRequest, userID string) (string, error) {
	if _, err := s.load(ctx, req.DocID, userID, access.Manage); err != nil {
		return "", err
	}
	if req.UserID != "" {
		return req.UserID, nil
	}
	if s.Users == nil || req.Email == "" {
		return "", sharing.ErrEmptyTarget
	}
	return s.Users.FindUserIDByEmail(ctx, req.Email)
}

// requireUser fails with ErrUserNotFound unless targetID is a known account.
func (s *DocumentService) requireUser(ctx context.Context, targetID string) error {
	if s.Users == nil {
		return fmt.Errorf("verify user %s: %w", targetID, repository.ErrUserNotFound)
	}
	exists, err := s.Users.UserExists(ctx, targetID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("verify user %s: %w", targetID, repository.ErrUserNotFound)
	}
	return nil
}

// GrantEditor adds a user, named by id or email, to the editors. The user
// must have an account.
func (s *DocumentService) GrantEditor(ctx context.Context, userID string, req model.EditorRequest) ([]model.CollaboratorInfo, error) {
	targetID, err := s.resolveTarget(ctx, req, userID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" {
		if err := s.requireUser(ctx, targetID); err != nil {
			return nil, err
		}
	}

	changed := false
	doc, err := s.mutate(ctx, "grant_editor", req.DocID, func(doc *model.Document) (bool, error) {
		var err error
		changed, err = sharing.GrantEditor(doc, userID, targetID)
		return changed, err
	})
	if err != nil {
		return nil, err
	}

	members := model.Members(doc)
	if changed {
		logger.Sugar.Infof("Granted %s edit access on %s", targetID, req.DocID)
		s.publish(socket.MembersType, req.DocID, userID, members)
	}
	return members, nil
}

// RevokeEditor removes a user from the editors and disconnects their
// sessions. A lock they hold is left to expire.
func (s *DocumentService) RevokeEditor(ctx context.Context, userID string, req model.EditorRequest) ([]model.CollaboratorInfo, error) {
	targetID, err := s.resolveTarget(ctx, req, userID)
	if err != nil {
		return nil, err
	}

	changed := false
	doc, err := s.mutate(ctx, "revoke_editor", req.DocID, func(doc *model.Document) (bool, error) {
		var err error
		changed, err = sharing.RevokeEditor(doc, userID, targetID)
		return changed, err
	})
	if err != nil {
		return nil, err
	}

	members := model.Members(doc)
	if changed {
		logger.Sugar.Infof("Revoked %s edit access on %s", targetID, req.DocID)
		s.publish(socket.MembersType, req.DocID, userID, members)
		if s.Hub != nil {
			s.Hub.RemoveUser(req.DocID, targetID)
		}
	}
	return members, nil
}

func (s *DocumentService) GetMembers(ctx context.Context, docID, userID string) ([]model.CollaboratorInfo, error) {
	doc, err := s.load(ctx, docID, userID, access.Edit)
	if err != nil {
		return nil, err
	}
	return model.Members(doc), nil
}

// EnableShare publishes the document read-only. The token is created on the
// first call and reused afterwards.
func (s *DocumentService) EnableShare(ctx context.Context, docID, userID string) (model.PublicShare, error) {
	changed := false
	doc, err := s.mutate(ctx, "enable_share", docID, func(doc *model.Document) (bool, error) {
		var err error
		changed, err = sharing.EnableShare(doc, userID, s.NewToken)
		return changed, err
	})
	if err != nil {
		return model.PublicShare{}, err
	}
	if changed {
		s.publish(socket.ShareType, docID, userID, map[string]bool{"enabled": true})
	}
	return doc.Share, nil
}

// DisableShare withdraws the public view and keeps the token.
func (s *DocumentService) DisableShare(ctx context.Context, docID, userID string) (model.PublicShare, error) {
	changed := false
	doc, err := s.mutate(ctx, "disable_share", docID, func(doc *model.Document) (bool, error) {
		var err error
		changed, err = sharing.DisableShare(doc, userID)
		return changed, err
	})
	if err != nil {
		return model.PublicShare{}, err
	}
	if changed {
		s.publish(socket.ShareType, docID, userID, map[string]bool{"enabled": false})
	}
	return doc.Share, nil
}
