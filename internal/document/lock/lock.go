// Package lock implements the single-writer lock embedded in every document.
//
// Expiry is lazy: a lock older than the TTL stays in the stored document
// until the next Touch recomputes it as free. Nothing here persists anything;
// callers apply these transitions inside a conditional write.
package lock

import (
	"fmt"
	"time"

	"github.com/feriteja/naskah/internal/document/access"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/pkg/apperr"
)

// DefaultTTL is how long a lock survives without a heartbeat.
const DefaultTTL = 2 * time.Minute

// ErrLocked is returned when someone else holds a live lock.
var ErrLocked = apperr.Locked("document is locked by another editor").WithCode("ErrDocumentLocked")

// HeldError reports who holds the lock that blocked a request.
type HeldError struct {
	Holder     string
	AcquiredAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("document is locked by %s since %s", e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error {
	return ErrLocked
}

// Outcome describes what a successful Touch did.
type Outcome string

const (
	Granted Outcome = "granted" // the slot was free or had expired
	Renewed Outcome = "renewed" // the requester already held it
)

// Manager applies lock transitions with a fixed TTL.
type Manager struct {
	TTL time.Duration
}

// NewManager returns a Manager; a non-positive ttl means DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{TTL: ttl}
}

// Expired reports whether a held lock is older than the TTL at now.
func (m *Manager) Expired(l model.Lock, now time.Time) bool {
	if !l.IsHeld() {
		return false
	}
	return now.Sub(*l.AcquiredAt) > m.TTL
}

// ActiveHolder returns the holder of a live lock, or "" when the slot is free.
func (m *Manager) ActiveHolder(doc *model.Document, now time.Time) string {
	if !doc.Lock.IsHeld() || m.Expired(doc.Lock, now) {
		return ""
	}
	return doc.Lock.Holder
}

// Touch acquires or renews the lock for requesterID. It requires Edit access
// and fails with a *HeldError when another holder's lock is still live.
func (m *Manager) Touch(doc *model.Document, requesterID string, now time.Time) (Outcome, error) {
	if err := access.Require(doc, requesterID, access.Edit); err != nil {
		return "", err
	}

	outcome := Granted
	switch {
	case doc.Lock.HeldBy(requesterID):
		outcome = Renewed
	case doc.Lock.IsHeld() && !m.Expired(doc.Lock, now):
		return "", &HeldError{Holder: doc.Lock.Holder, AcquiredAt: *doc.Lock.AcquiredAt}
	}

	doc.Lock.Grant(requesterID, now)
	return outcome, nil
}

// Release clears the lock if requesterID holds it and reports whether
// anything changed. Releasing someone else's lock is a no-op.
func (m *Manager) Release(doc *model.Document, requesterID string) bool {
	if !doc.Lock.HeldBy(requesterID) {
		return false
	}
	doc.Lock.Clear()
	return true
}

// State renders the lock for readers.
func (m *Manager) State(doc *model.Document, now time.Time) model.LockState {
	if !doc.Lock.IsHeld() {
		return model.LockState{}
	}
	acquired := *doc.Lock.AcquiredAt
	expires := acquired.Add(m.TTL)
	return model.LockState{
		Holder:     doc.Lock.Holder,
		AcquiredAt: &acquired,
		ExpiresAt:  &expires,
		Expired:    m.Expired(doc.Lock, now),
	}
}
