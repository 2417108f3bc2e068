// Package access decides what a requester may do with a document. It is
// pure: every decision is taken from the document snapshot alone.
package access

import (
	"fmt"

	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/pkg/apperr"
)

// Level is an access class. Higher levels include every lower one.
type Level int

const (
	None Level = iota
	View
	Edit
	Manage
)

func (l Level) String() string {
	switch l {
	case View:
		return "view"
	case Edit:
		return "edit"
	case Manage:
		return "manage"
	default:
		return "none"
	}
}

// ErrForbidden is returned when the requester's level is too low.
var ErrForbidden = apperr.Forbidden("forbidden").WithCode("ErrForbidden")

// Classify returns the access class of requesterID on the owner/editor path.
func Classify(doc *model.Document, requesterID string) Level {
	switch {
	case requesterID == "":
		return None
	case requesterID == doc.OwnerID:
		return Manage
	case doc.IsEditor(requesterID):
		return Edit
	default:
		return None
	}
}

// ClassifyPublic returns the access class of an anonymous request arriving
// through the share token.
func ClassifyPublic(doc *model.Document) Level {
	if doc.Share.Enabled && doc.Share.Token != "" {
		return View
	}
	return None
}

// Require fails with ErrForbidden unless requesterID has at least need.
func Require(doc *model.Document, requesterID string, need Level) error {
	if Classify(doc, requesterID) < need {
		return fmt.Errorf("%s on document %s requires %s: %w", requesterID, doc.ID, need, ErrForbidden)
	}
	return nil
}
