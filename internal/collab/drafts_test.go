package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/copydesk/copydesk/internal/pages"
)

type stubDraftStore struct {
	mu         sync.Mutex
	drafts     map[int64]pages.Draft
	saves      int
	published  []pages.HistoryRevision
	saveErr    error
	deleteErr  error
	publishErr error
}

func newStubDraftStore() *stubDraftStore {
	return &stubDraftStore{drafts: make(map[int64]pages.Draft)}
}

func (s *stubDraftStore) Draft(_ context.Context, pageID int64) (pages.Draft, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, ok := s.drafts[pageID]
	return draft, ok, nil
}

func (s *stubDraftStore) SaveDraft(_ context.Context, draft pages.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if existing, ok := s.drafts[draft.PageID]; ok {
		draft.AuthorID = existing.AuthorID
	}
	s.drafts[draft.PageID] = draft
	s.saves++
	return nil
}

func (s *stubDraftStore) DeleteDraft(_ context.Context, pageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.drafts, pageID)
	return nil
}

func (s *stubDraftStore) Publish(_ context.Context, pageID, authorID int64, title, content string, publishedAt time.Time) (pages.HistoryRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return pages.HistoryRevision{}, s.publishErr
	}
	revision := pages.HistoryRevision{
		PageID:        pageID,
		RevisionIndex: int64(len(s.published) + 1),
		AuthorID:      authorID,
		Title:         title,
		Content:       content,
		PublishedAt:   publishedAt,
	}
	s.published = append(s.published, revision)
	delete(s.drafts, pageID)
	return revision, nil
}

func (s *stubDraftStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *stubDraftStore) storedDraft(pageID int64) (pages.Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, ok := s.drafts[pageID]
	return draft, ok
}

func newTestEngine(t *testing.T, store DraftStore, debounce time.Duration) *DraftEngine {
	t.Helper()
	engine, err := NewDraftEngine(DraftEngineConfig{Store: store, Debounce: debounce})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestChangeWritesThroughWithoutDebounce(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, 0)

	state, err := engine.Change(context.Background(), 1, 10, "conn-1", "hello", "Title")
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if !state.Dirty {
		t.Fatal("expected dirty state after change")
	}
	if state.AuthorID != 10 {
		t.Fatalf("author = %d, want 10", state.AuthorID)
	}
	draft, ok := store.storedDraft(1)
	if !ok {
		t.Fatal("expected draft persisted before change returned")
	}
	if draft.Content != "hello" || draft.Title != "Title" {
		t.Fatalf("stored draft = %q/%q, want hello/Title", draft.Content, draft.Title)
	}
}

func TestChangeKeepsFirstAuthor(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, 0)
	ctx := context.Background()

	if _, err := engine.Change(ctx, 1, 10, "conn-1", "first", "T"); err != nil {
		t.Fatalf("first change: %v", err)
	}
	state, err := engine.Change(ctx, 1, 20, "conn-2", "second", "T")
	if err != nil {
		t.Fatalf("second change: %v", err)
	}
	if state.AuthorID != 10 {
		t.Fatalf("author after second change = %d, want original author 10", state.AuthorID)
	}
	if state.Content != "second" {
		t.Fatalf("content = %q, want latest write", state.Content)
	}
}

func TestChangeFailureLeavesPageClean(t *testing.T) {
	store := newStubDraftStore()
	store.saveErr = errors.New("disk full")
	engine := newTestEngine(t, store, 0)
	ctx := context.Background()

	if _, err := engine.Change(ctx, 1, 10, "conn-1", "hello", "T"); err == nil {
		t.Fatal("expected error from failed write")
	}
	state, err := engine.Load(ctx, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Dirty {
		t.Fatal("expected clean state after rejected change")
	}
}

func TestDebounceCoalescesWrites(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, 25*time.Millisecond)
	ctx := context.Background()

	for _, content := range []string{"h", "he", "hel", "hell", "hello"} {
		if _, err := engine.Change(ctx, 1, 10, "conn-1", content, "T"); err != nil {
			t.Fatalf("change %q: %v", content, err)
		}
	}
	if got := store.saveCount(); got != 0 {
		t.Fatalf("writes before window closed = %d, want 0", got)
	}

	waitFor(t, 2*time.Second, func() bool { return store.saveCount() == 1 })
	draft, ok := store.storedDraft(1)
	if !ok {
		t.Fatal("expected flushed draft")
	}
	if draft.Content != "hello" {
		t.Fatalf("flushed content = %q, want last seen content", draft.Content)
	}
}

func TestFlushFailureReportsLastWriter(t *testing.T) {
	store := newStubDraftStore()
	store.saveErr = errors.New("disk full")

	type flushFailure struct {
		pageID       int64
		connectionID string
	}
	failures := make(chan flushFailure, 1)
	engine, err := NewDraftEngine(DraftEngineConfig{
		Store:    store,
		Debounce: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.RouteFlushErrors(func(pageID int64, connectionID string, err error) {
		failures <- flushFailure{pageID: pageID, connectionID: connectionID}
	})

	ctx := context.Background()
	if _, err := engine.Change(ctx, 1, 10, "conn-1", "a", "T"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, err := engine.Change(ctx, 1, 20, "conn-2", "ab", "T"); err != nil {
		t.Fatalf("change: %v", err)
	}

	select {
	case failure := <-failures:
		if failure.pageID != 1 {
			t.Fatalf("failure page = %d, want 1", failure.pageID)
		}
		if failure.connectionID != "conn-2" {
			t.Fatalf("failure connection = %q, want most recent writer conn-2", failure.connectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush failure was not reported")
	}
}

func TestPublishOnCleanPageIsNoOp(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, 0)

	_, published, err := engine.Publish(context.Background(), 1)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published {
		t.Fatal("expected no publish on clean page")
	}
	if len(store.published) != 0 {
		t.Fatalf("history appends = %d, want 0", len(store.published))
	}
}

func TestPublishPromotesPendingDraftWithoutFlush(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, time.Minute)
	ctx := context.Background()

	if _, err := engine.Change(ctx, 1, 10, "conn-1", "hello", "T"); err != nil {
		t.Fatalf("change: %v", err)
	}
	revision, published, err := engine.Publish(ctx, 1)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !published {
		t.Fatal("expected publish on dirty page")
	}
	if revision.Content != "hello" || revision.AuthorID != 10 {
		t.Fatalf("revision = %+v, want content hello by author 10", revision)
	}
	if got := store.saveCount(); got != 0 {
		t.Fatalf("draft writes = %d, want publish to carry pending content directly", got)
	}

	state, err := engine.Load(ctx, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Dirty {
		t.Fatal("expected clean state after publish")
	}
}

func TestRevertDiscardsDraft(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, 0)
	ctx := context.Background()

	if _, err := engine.Change(ctx, 1, 10, "conn-1", "scratch", "T"); err != nil {
		t.Fatalf("change: %v", err)
	}
	wasDirty, err := engine.Revert(ctx, 1)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !wasDirty {
		t.Fatal("expected revert to report a discarded draft")
	}
	if _, ok := store.storedDraft(1); ok {
		t.Fatal("expected draft row deleted")
	}
	if len(store.published) != 0 {
		t.Fatalf("history appends after revert = %d, want 0", len(store.published))
	}
}

func TestRevertOnCleanPageReportsNoDraft(t *testing.T) {
	store := newStubDraftStore()
	engine := newTestEngine(t, store, 0)

	wasDirty, err := engine.Revert(context.Background(), 1)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if wasDirty {
		t.Fatal("expected no draft on clean page")
	}
}

func TestLoadSeedsFromStore(t *testing.T) {
	store := newStubDraftStore()
	store.drafts[1] = pages.Draft{PageID: 1, AuthorID: 10, Content: "restored", Title: "T", SavedAt: time.Unix(100, 0).UTC()}
	engine := newTestEngine(t, store, 0)

	state, err := engine.Load(context.Background(), 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !state.Dirty {
		t.Fatal("expected dirty state from persisted draft")
	}
	if state.Content != "restored" || state.AuthorID != 10 {
		t.Fatalf("state = %+v, want restored content by author 10", state)
	}
}

func TestEngineRoundTripAgainstStore(t *testing.T) {
	db := openTestDatabase(t)
	pageStore, err := pages.NewStore(pages.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	page := seedPage(t, db, "news", "News", "old")
	engine := newTestEngine(t, pageStore, 0)
	ctx := context.Background()

	if _, err := engine.Change(ctx, page.ID, 10, "conn-1", "fresh", "News v2"); err != nil {
		t.Fatalf("change: %v", err)
	}
	revision, published, err := engine.Publish(ctx, page.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !published {
		t.Fatal("expected publish")
	}
	if revision.RevisionIndex != 1 {
		t.Fatalf("revision index = %d, want 1", revision.RevisionIndex)
	}

	reloaded, err := pageStore.PageByID(ctx, page.ID)
	if err != nil {
		t.Fatalf("reload page: %v", err)
	}
	if reloaded.PublishedContent != "fresh" || reloaded.Title != "News v2" {
		t.Fatalf("published page = %q/%q, want fresh/News v2", reloaded.PublishedContent, reloaded.Title)
	}
}
