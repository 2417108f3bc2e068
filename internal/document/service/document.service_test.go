package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feriteja/naskah/internal/document/access"
	"github.com/feriteja/naskah/internal/document/lock"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/internal/document/repository"
	"github.com/feriteja/naskah/internal/document/repository/memory"
	"github.com/feriteja/naskah/internal/sheet"
	"github.com/feriteja/naskah/pkg/apperr"
	"github.com/feriteja/naskah/socket"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeHub struct {
	mu           sync.Mutex
	msgs         []socket.WSMessage
	removedDocs  []string
	removedUsers []string
}

func (h *fakeHub) Publish(msg socket.WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *fakeHub) RemoveDocument(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removedDocs = append(h.removedDocs, docID)
}

func (h *fakeHub) RemoveUser(docID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removedUsers = append(h.removedUsers, docID+"/"+userID)
}

func (h *fakeHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.msgs))
	for _, m := range h.msgs {
		out = append(out, m.Type)
	}
	return out
}

// clock is a settable time source.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	svc   *DocumentService
	db    *memory.DB
	hub   *fakeHub
	clock *clock
}

func newFixture(t *testing.T, store func(*memory.DB) repository.Store) *fixture {
	t.Helper()
	db, err := memory.New()
	require.NoError(t, err)
	for _, user := range []string{"owner", "u1", "u2"} {
		require.NoError(t, db.AddUser(context.Background(), user, user+"@example.com"))
	}

	var s repository.Store = db
	if store != nil {
		s = store(db)
	}
	hub := &fakeHub{}
	c := &clock{now: t0}
	svc := NewDocumentService(s, db, hub, Options{LockTTL: time.Minute})
	svc.Now = c.Now
	svc.retryDelay = time.Millisecond
	return &fixture{svc: svc, db: db, hub: hub, clock: c}
}

// newDoc creates a document owned by "owner" with "u1" and "u2" as editors.
func (f *fixture) newDoc(t *testing.T, kind model.Kind) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.svc.CreateDocument(ctx, "owner", model.CreateDocRequest{Title: "Plan", Kind: kind})
	require.NoError(t, err)
	for _, user := range []string{"u1", "u2"} {
		_, err := f.svc.GrantEditor(ctx, "owner", model.EditorRequest{DocID: id, UserID: user})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) stored(t *testing.T, id string) *model.Document {
	t.Helper()
	doc, err := f.db.FindByID(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func TestCreateDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.CreateDocument(ctx, "owner", model.CreateDocRequest{})
	require.NoError(t, err)
	doc := f.stored(t, id)
	assert.Equal(t, model.DefaultTitle, doc.Title)
	assert.Equal(t, model.KindText, doc.Kind)
	assert.Empty(t, doc.Editors)
	assert.False(t, doc.Lock.IsHeld())
	assert.False(t, doc.Share.Enabled)

	_, err = f.svc.CreateDocument(ctx, "", model.CreateDocRequest{})
	assert.True(t, apperr.Is(err, apperr.CodeForbidden))
}

func TestLockedWriteLeavesContentUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	_, err := f.svc.AcquireOrRenewLock(ctx, id, "u1")
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	_, err = f.svc.WriteTextContent(ctx, id, "u2", json.RawMessage(`{"ops":[{"insert":"hi"}]}`))
	require.Error(t, err)
	assert.Equal(t, 423, apperr.HTTPStatus(err))
	var held *lock.HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "u1", held.Holder)

	doc := f.stored(t, id)
	assert.JSONEq(t, string(model.EmptyTextContent), string(doc.Content))
	assert.True(t, doc.Lock.HeldBy("u1"))
}

func TestLockExpiresStrictlyAfterTTL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	_, err := f.svc.AcquireOrRenewLock(ctx, id, "u1")
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	_, err = f.svc.AcquireOrRenewLock(ctx, id, "u2")
	assert.ErrorIs(t, err, lock.ErrLocked, "a lock exactly TTL old is still live")

	f.clock.advance(time.Second)
	doc := f.stored(t, id)
	assert.True(t, doc.Lock.HeldBy("u1"), "expiry is lazy: stored state keeps the stale holder")

	_, err = f.svc.WriteTextContent(ctx, id, "u2", json.RawMessage(`{"ops":[{"insert":"mine"}]}`))
	require.NoError(t, err)
	doc = f.stored(t, id)
	assert.True(t, doc.Lock.HeldBy("u2"))
	assert.Equal(t, f.clock.now, *doc.Lock.AcquiredAt)
}

func TestRenewRefreshesTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	first, err := f.svc.AcquireOrRenewLock(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", first.Holder)
	assert.Equal(t, t0.Add(time.Minute), *first.ExpiresAt)

	f.clock.advance(50 * time.Second)
	renewed, err := f.svc.AcquireOrRenewLock(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.now, *renewed.AcquiredAt)

	// still live 50s past the original expiry
	f.clock.advance(50 * time.Second)
	_, err = f.svc.AcquireOrRenewLock(ctx, id, "u2")
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestAcquireRequiresEdit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	_, err := f.svc.AcquireOrRenewLock(ctx, id, "stranger")
	assert.ErrorIs(t, err, access.ErrForbidden)
	assert.False(t, f.stored(t, id).Lock.IsHeld())

	_, err = f.svc.AcquireOrRenewLock(ctx, "missing", "u1")
	assert.ErrorIs(t, err, repository.ErrDocumentNotFound)
}

func TestReleaseLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	_, err := f.svc.AcquireOrRenewLock(ctx, id, "u1")
	require.NoError(t, err)
	version := f.stored(t, id).Version

	require.NoError(t, f.svc.ReleaseLock(ctx, id, "u2"))
	assert.True(t, f.stored(t, id).Lock.HeldBy("u1"))
	assert.Equal(t, version, f.stored(t, id).Version, "a no-op release does not write")

	require.NoError(t, f.svc.ReleaseLock(ctx, id, "u1"))
	doc := f.stored(t, id)
	assert.False(t, doc.Lock.IsHeld())
	assert.Nil(t, doc.Lock.AcquiredAt)

	require.NoError(t, f.svc.ReleaseLock(ctx, id, "u1"))
}

func TestWriteTextContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)
	content := json.RawMessage(`{"ops":[{"insert":"Hello\n"}]}`)

	doc, err := f.svc.WriteTextContent(ctx, id, "u1", content)
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(doc.Content))
	assert.True(t, doc.Lock.HeldBy("u1"), "a successful write leaves the writer holding the lock")
	assert.Contains(t, f.hub.types(), socket.UpdateType)

	_, err = f.svc.WriteTextContent(ctx, id, "stranger", content)
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.WriteTextContent(ctx, id, "u1", json.RawMessage(`{"ops":`))
	assert.ErrorIs(t, err, ErrInvalidContent)

	sheetID := f.newDoc(t, model.KindSpreadsheet)
	_, err = f.svc.WriteTextContent(ctx, sheetID, "u1", content)
	assert.ErrorIs(t, err, model.ErrWrongKind)
	assert.False(t, f.stored(t, sheetID).Lock.IsHeld())
}

func TestWriteSpreadsheetCells(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindSpreadsheet)

	_, err := f.svc.WriteSpreadsheetCells(ctx, id, "u1", map[string]string{
		"A1": "2", "a2": "3", "A3": "=sum(A1:A2)", "B1": "=SUM(A1,A2,A1)",
	})
	require.NoError(t, err)

	view, err := f.svc.GetDocument(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, "3", view.Cells["A2"])
	assert.Equal(t, "5", view.Values["A3"])
	assert.Equal(t, "7", view.Values["B1"])
	assert.Equal(t, "u1", view.Lock.Holder)

	_, err = f.svc.WriteSpreadsheetCells(ctx, id, "u1", map[string]string{"A1": "x", "A2": ""})
	require.NoError(t, err)
	view, err = f.svc.GetDocument(ctx, id, "u1")
	require.NoError(t, err)
	assert.NotContains(t, view.Cells, "A2")
	assert.Equal(t, "0", view.Values["A3"])
	assert.Equal(t, "x", view.Values["A1"])

	_, err = f.svc.WriteSpreadsheetCells(ctx, id, "u1", map[string]string{"A0": "1"})
	assert.ErrorIs(t, err, sheet.ErrInvalidRef)

	_, err = f.svc.WriteSpreadsheetCells(ctx, id, "u2", map[string]string{"C1": "1"})
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.NotContains(t, f.stored(t, id).Cells.Strings(), "C1")
}

type conflictingStore struct {
	*memory.DB
	mu       sync.Mutex
	failures int
	calls    int
}

func (c *conflictingStore) ConditionalUpdate(ctx context.Context, expected int64, doc *model.Document) (int64, error) {
	c.mu.Lock()
	c.calls++
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return 0, repository.ErrVersionConflict
	}
	c.mu.Unlock()
	return c.DB.ConditionalUpdate(ctx, expected, doc)
}

func TestWriteRetriesOnVersionConflict(t *testing.T) {
	var store *conflictingStore
	f := newFixture(t, func(db *memory.DB) repository.Store {
		store = &conflictingStore{DB: db}
		return store
	})
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	store.mu.Lock()
	store.failures, store.calls = 2, 0
	store.mu.Unlock()
	_, err := f.svc.WriteTextContent(ctx, id, "u1", json.RawMessage(`{"ops":[{"insert":"a"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)

	store.mu.Lock()
	store.failures, store.calls = 10, 0
	store.mu.Unlock()
	_, err = f.svc.WriteTextContent(ctx, id, "u1", json.RawMessage(`{"ops":[{"insert":"b"}]}`))
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.Equal(t, 409, apperr.HTTPStatus(err))
	assert.Equal(t, DefaultMaxAttempts, store.calls)
	assert.JSONEq(t, `{"ops":[{"insert":"a"}]}`, string(f.stored(t, id).Content))
}

// racingStore runs before once, just ahead of the first conditional write,
// to simulate a concurrent request landing between read and write.
type racingStore struct {
	*memory.DB
	before func()
}

func (r *racingStore) ConditionalUpdate(ctx context.Context, expected int64, doc *model.Document) (int64, error) {
	if hook := r.before; hook != nil {
		r.before = nil
		hook()
	}
	return r.DB.ConditionalUpdate(ctx, expected, doc)
}

func TestLosingAcquireRereadsAndSeesHolder(t *testing.T) {
	var store *racingStore
	f := newFixture(t, func(db *memory.DB) repository.Store {
		store = &racingStore{DB: db}
		return store
	})
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	store.before = func() {
		_, err := f.svc.AcquireOrRenewLock(ctx, id, "u1")
		require.NoError(t, err)
	}
	_, err := f.svc.AcquireOrRenewLock(ctx, id, "u2")
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.True(t, f.stored(t, id).Lock.HeldBy("u1"))
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	var wg sync.WaitGroup
	errs := make(map[string]error)
	var mu sync.Mutex
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.svc.AcquireOrRenewLock(ctx, id, user)
			mu.Lock()
			errs[user] = err
			mu.Unlock()
		}(user)
	}
	wg.Wait()

	var winners []string
	for user, err := range errs {
		if err == nil {
			winners = append(winners, user)
			continue
		}
		assert.ErrorIs(t, err, lock.ErrLocked)
	}
	require.Len(t, winners, 1)
	assert.True(t, f.stored(t, id).Lock.HeldBy(winners[0]))
}

func TestUpdateTitleAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)

	assert.ErrorIs(t, f.svc.UpdateTitle(ctx, id, "u1", "Mine"), access.ErrForbidden)
	require.NoError(t, f.svc.UpdateTitle(ctx, id, "owner", "  Q3 Plan "))
	assert.Equal(t, "Q3 Plan", f.stored(t, id).Title)
	assert.True(t, apperr.Is(f.svc.UpdateTitle(ctx, id, "owner", " "), apperr.CodeValidation))

	assert.ErrorIs(t, f.svc.DeleteDocument(ctx, id, "u1"), access.ErrForbidden)
	require.NoError(t, f.svc.DeleteDocument(ctx, id, "owner"))
	_, err := f.db.FindByID(ctx, id)
	assert.ErrorIs(t, err, repository.ErrDocumentNotFound)
	assert.Equal(t, []string{id}, f.hub.removedDocs)
}

func TestGetDocumentsAndView(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.newDoc(t, model.KindText)
	_, err := f.svc.WriteTextContent(ctx, id, "u1", json.RawMessage(`{"ops":[{"insert":"Hello\nworld"}]}`))
	require.NoError(t, err)

	docs, err := f.svc.GetDocuments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Hello world", docs[0].Snippet)
	assert.False(t, docs[0].IsOwner)
	assert.Len(t, docs[0].Collab, 3)

	view, err := f.svc.GetDocument(ctx, id, "u1")
	require.NoError(t, err)
	assert.Nil(t, view.Share, "only the owner sees share settings")

	view, err = f.svc.GetDocument(ctx, id, "owner")
	require.NoError(t, err)
	require.NotNil(t, view.Share)
	assert.True(t, view.IsOwner)

	_, err = f.svc.GetDocument(ctx, id, "stranger")
	assert.ErrorIs(t, err, access.ErrForbidden)

	level, err := f.svc.Classify(ctx, id, "u2")
	require.NoError(t, err)
	assert.Equal(t, access.Edit, level)
}

func TestSnippetTruncatesRunes(t *testing.T) {
	long := make([]rune, 0, 150)
	for i := 0; i < 150; i++ {
		long = append(long, 'é')
	}
	content, err := json.Marshal(map[string]any{"ops": []map[string]string{{"insert": string(long)}}})
	require.NoError(t, err)

	snippet := getSnippetFromContent(content)
	assert.Equal(t, string(long[:100])+"...", snippet)
	assert.Equal(t, "", getSnippetFromContent(json.RawMessage(`not json`)))
}
