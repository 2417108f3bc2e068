// Package sharing manages editor membership and the public share token.
// Every operation requires the owner.
package sharing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/feriteja/naskah/internal/document/access"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/pkg/apperr"
)

const tokenBytes = 32

var (
	ErrOwnerTarget = apperr.Validation("the owner cannot be granted or revoked as an editor").WithCode("ErrOwnerTarget")
	ErrEmptyTarget = apperr.Validation("target user is required").WithCode("ErrEmptyTarget")
)

// TokenFunc produces a new public share token.
type TokenFunc func() (string, error)

// NewToken returns 32 random bytes encoded for use in a URL.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func checkTarget(doc *model.Document, requesterID, targetID string) error {
	if err := access.Require(doc, requesterID, access.Manage); err != nil {
		return err
	}
	if targetID == "" {
		return ErrEmptyTarget
	}
	if targetID == doc.OwnerID {
		return ErrOwnerTarget
	}
	return nil
}

// GrantEditor adds targetID to the editors. Granting an existing editor
// changes nothing.
func GrantEditor(doc *model.Document, requesterID, targetID string) (bool, error) {
	if err := checkTarget(doc, requesterID, targetID); err != nil {
		return false, err
	}
	if doc.IsEditor(targetID) {
		return false, nil
	}
	doc.Editors = append(doc.Editors, targetID)
	return true, nil
}

// RevokeEditor removes targetID from the editors if present. A revoked
// editor's lock is left to expire.
func RevokeEditor(doc *model.Document, requesterID, targetID string) (bool, error) {
	if err := checkTarget(doc, requesterID, targetID); err != nil {
		return false, err
	}
	i := slices.Index(doc.Editors, targetID)
	if i < 0 {
		return false, nil
	}
	doc.Editors = slices.Delete(doc.Editors, i, i+1)
	return true, nil
}

// EnableShare turns the public view on, generating the token the first time.
func EnableShare(doc *model.Document, requesterID string, newToken TokenFunc) (bool, error) {
	if err := access.Require(doc, requesterID, access.Manage); err != nil {
		return false, err
	}
	if doc.Share.Enabled {
		return false, nil
	}
	if doc.Share.Token == "" {
		token, err := newToken()
		if err != nil {
			return false, err
		}
		doc.Share.Token = token
	}
	doc.Share.Enabled = true
	return true, nil
}

// DisableShare turns the public view off and keeps the token for re-enabling.
func DisableShare(doc *model.Document, requesterID string) (bool, error) {
	if err := access.Require(doc, requesterID, access.Manage); err != nil {
		return false, err
	}
	if !doc.Share.Enabled {
		return false, nil
	}
	doc.Share.Enabled = false
	return true, nil
}
