package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copydesk/copydesk/internal/pages"
)

const flushTimeout = 5 * time.Second

var errMissingDraftStore = errors.New("draft store is required")

// DraftStore is the durable surface the engine writes through.
type DraftStore interface {
	Draft(ctx context.Context, pageID int64) (pages.Draft, bool, error)
	SaveDraft(ctx context.Context, draft pages.Draft) error
	DeleteDraft(ctx context.Context, pageID int64) error
	Publish(ctx context.Context, pageID, authorID int64, title, content string, publishedAt time.Time) (pages.HistoryRevision, error)
}

// DraftState is a snapshot of a page's draft as the engine sees it.
type DraftState struct {
	PageID   int64
	AuthorID int64
	Content  string
	Title    string
	SavedAt  time.Time
	Dirty    bool
}

type pageDraft struct {
	mu     sync.Mutex
	pageID int64

	loaded   bool
	dirty    bool
	authorID int64
	content  string
	title    string
	savedAt  time.Time

	// pending marks in-memory content not yet written through; lastWriter
	// is the connection that produced it, for flush failure reporting.
	pending    bool
	lastWriter string
	flushTimer *time.Timer
}

type DraftEngineConfig struct {
	Store    DraftStore
	Debounce time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// DraftEngine owns the draft state machine for every page. Memory is
// authoritative while the process runs; store writes are coalesced within
// the debounce window, or synchronous when the window is zero.
type DraftEngine struct {
	store    DraftStore
	debounce time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	handlerMu    sync.Mutex
	onFlushError func(pageID int64, connectionID string, err error)

	mu     sync.Mutex
	drafts map[int64]*pageDraft
}

func NewDraftEngine(cfg DraftEngineConfig) (*DraftEngine, error) {
	if cfg.Store == nil {
		return nil, errMissingDraftStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DraftEngine{
		store:    cfg.Store,
		debounce: cfg.Debounce,
		clock:    clock,
		logger:   logger,
		drafts:   make(map[int64]*pageDraft),
	}, nil
}

// RouteFlushErrors registers the callback notified when a debounced write
// fails after the change was already broadcast. The callback runs outside
// the engine's locks.
func (e *DraftEngine) RouteFlushErrors(handler func(pageID int64, connectionID string, err error)) {
	e.handlerMu.Lock()
	e.onFlushError = handler
	e.handlerMu.Unlock()
}

func (e *DraftEngine) flushErrorHandler() func(pageID int64, connectionID string, err error) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	return e.onFlushError
}

// Load returns the page's current draft state, consulting the store the
// first time a page is seen.
func (e *DraftEngine) Load(ctx context.Context, pageID int64) (DraftState, error) {
	d := e.draftFor(pageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := e.loadLocked(ctx, d); err != nil {
		return DraftState{}, err
	}
	return stateLocked(d), nil
}

// Change applies a content change from a connection. The first change on a
// clean page sets the draft's author; later changes keep it. When debounce
// is zero the write happens before Change returns; otherwise the change is
// held in memory and flushed when the window closes.
func (e *DraftEngine) Change(ctx context.Context, pageID, authorID int64, connectionID, content, title string) (DraftState, error) {
	d := e.draftFor(pageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := e.loadLocked(ctx, d); err != nil {
		return DraftState{}, err
	}

	prevDirty, prevAuthor := d.dirty, d.authorID
	prevContent, prevTitle, prevSavedAt := d.content, d.title, d.savedAt

	if !d.dirty {
		d.authorID = authorID
	}
	d.dirty = true
	d.content = content
	d.title = title
	d.savedAt = e.clock().UTC()
	d.lastWriter = connectionID

	if e.debounce <= 0 {
		if err := e.writeLocked(ctx, d); err != nil {
			d.dirty, d.authorID = prevDirty, prevAuthor
			d.content, d.title, d.savedAt = prevContent, prevTitle, prevSavedAt
			return DraftState{}, err
		}
		return stateLocked(d), nil
	}

	d.pending = true
	if d.flushTimer == nil {
		d.flushTimer = time.AfterFunc(e.debounce, func() { e.flush(pageID) })
	}
	return stateLocked(d), nil
}

// Publish promotes the draft to published content, reporting whether a
// publish actually happened. A clean page publishes nothing.
func (e *DraftEngine) Publish(ctx context.Context, pageID int64) (pages.HistoryRevision, bool, error) {
	d := e.draftFor(pageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := e.loadLocked(ctx, d); err != nil {
		return pages.HistoryRevision{}, false, err
	}
	if !d.dirty {
		return pages.HistoryRevision{}, false, nil
	}

	e.stopFlushLocked(d)
	revision, err := e.store.Publish(ctx, d.pageID, d.authorID, d.title, d.content, e.clock().UTC())
	if err != nil {
		e.rearmFlushLocked(d)
		return pages.HistoryRevision{}, false, err
	}
	clearLocked(d)
	return revision, true, nil
}

// Revert discards the draft, reporting whether one existed.
func (e *DraftEngine) Revert(ctx context.Context, pageID int64) (bool, error) {
	d := e.draftFor(pageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := e.loadLocked(ctx, d); err != nil {
		return false, err
	}
	if !d.dirty {
		return false, nil
	}

	e.stopFlushLocked(d)
	if err := e.store.DeleteDraft(ctx, d.pageID); err != nil {
		e.rearmFlushLocked(d)
		return false, err
	}
	clearLocked(d)
	return true, nil
}

func (e *DraftEngine) draftFor(pageID int64) *pageDraft {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.drafts[pageID]
	if !ok {
		d = &pageDraft{pageID: pageID}
		e.drafts[pageID] = d
	}
	return d
}

func (e *DraftEngine) loadLocked(ctx context.Context, d *pageDraft) error {
	if d.loaded {
		return nil
	}
	draft, exists, err := e.store.Draft(ctx, d.pageID)
	if err != nil {
		return err
	}
	if exists {
		d.dirty = true
		d.authorID = draft.AuthorID
		d.content = draft.Content
		d.title = draft.Title
		d.savedAt = draft.SavedAt
	}
	d.loaded = true
	return nil
}

func (e *DraftEngine) writeLocked(ctx context.Context, d *pageDraft) error {
	draft := pages.Draft{
		PageID:   d.pageID,
		AuthorID: d.authorID,
		Content:  d.content,
		Title:    d.title,
		SavedAt:  d.savedAt,
	}
	if err := e.store.SaveDraft(ctx, draft); err != nil {
		return err
	}
	d.pending = false
	return nil
}

func (e *DraftEngine) flush(pageID int64) {
	e.mu.Lock()
	d := e.drafts[pageID]
	e.mu.Unlock()
	if d == nil {
		return
	}

	d.mu.Lock()
	d.flushTimer = nil
	if !d.dirty || !d.pending {
		d.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	err := e.writeLocked(ctx, d)
	cancel()
	lastWriter := d.lastWriter
	d.mu.Unlock()

	if err == nil {
		return
	}
	e.logger.Error("draft flush failed",
		zap.String("operation", "drafts.flush"),
		zap.Int64("page_id", pageID),
		zap.Error(err))
	if handler := e.flushErrorHandler(); handler != nil {
		handler(pageID, lastWriter, err)
	}
}

func (e *DraftEngine) stopFlushLocked(d *pageDraft) {
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
}

// rearmFlushLocked reschedules the flush after a failed publish or revert so
// pending content still reaches the store eventually.
func (e *DraftEngine) rearmFlushLocked(d *pageDraft) {
	if e.debounce <= 0 || !d.pending || d.flushTimer != nil {
		return
	}
	pageID := d.pageID
	d.flushTimer = time.AfterFunc(e.debounce, func() { e.flush(pageID) })
}

func clearLocked(d *pageDraft) {
	d.dirty = false
	d.pending = false
	d.authorID = 0
	d.content = ""
	d.title = ""
	d.savedAt = time.Time{}
	d.lastWriter = ""
}

func stateLocked(d *pageDraft) DraftState {
	return DraftState{
		PageID:   d.pageID,
		AuthorID: d.authorID,
		Content:  d.content,
		Title:    d.title,
		SavedAt:  d.savedAt,
		Dirty:    d.dirty,
	}
}
