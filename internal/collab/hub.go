package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copydesk/copydesk/internal/pages"
)

var (
	errMissingPageSource   = errors.New("page source is required")
	errMissingPresence     = errors.New("presence registry is required")
	errMissingDraftEngine  = errors.New("draft engine is required")
	errMissingCursorBroker = errors.New("cursor broker is required")
	errMissingAdminBus     = errors.New("admin bus is required")
)

// PageSource resolves pages for join checks and revert snapshots.
type PageSource interface {
	PageByID(ctx context.Context, id int64) (pages.Page, error)
}

type HubConfig struct {
	Pages    PageSource
	Presence *Registry
	Drafts   *DraftEngine
	Cursors  *CursorBroker
	Admin    *AdminBus
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Hub multiplexes connections into per-page rooms and routes every inbound
// event. Each room's mutex is held across the mutation and the broadcast
// queueing so all members observe one page's events in a single order.
//
// Hub methods are invoked only from a connection's reader goroutine, so one
// connection's events never overlap with themselves.
type Hub struct {
	pages    PageSource
	presence *Registry
	drafts   *DraftEngine
	cursors  *CursorBroker
	admin    *AdminBus
	clock    func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	rooms map[int64]*room
}

type room struct {
	mu      sync.Mutex
	pageID  int64
	slug    string
	title   string
	members map[string]*Client
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Pages == nil {
		return nil, errMissingPageSource
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Drafts == nil {
		return nil, errMissingDraftEngine
	}
	if cfg.Cursors == nil {
		return nil, errMissingCursorBroker
	}
	if cfg.Admin == nil {
		return nil, errMissingAdminBus
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	h := &Hub{
		pages:    cfg.Pages,
		presence: cfg.Presence,
		drafts:   cfg.Drafts,
		cursors:  cfg.Cursors,
		admin:    cfg.Admin,
		clock:    clock,
		logger:   logger,
		rooms:    make(map[int64]*room),
	}
	cfg.Drafts.RouteFlushErrors(h.routeFlushError)
	return h, nil
}

// routeFlushError surfaces a failed debounced write to the connection whose
// change was pending. Runs on the flush timer goroutine.
func (h *Hub) routeFlushError(pageID int64, connectionID string, _ error) {
	h.mu.Lock()
	r := h.rooms[pageID]
	h.mu.Unlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	client := r.members[connectionID]
	r.mu.Unlock()
	if client == nil {
		return
	}
	client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "draft save failed"})
}

// JoinPage attaches the connection to a page room. Joining while in another
// room leaves that room first; joining the current room again is a no-op.
func (h *Hub) JoinPage(ctx context.Context, client *Client, req JoinPageRequest) {
	if current := client.room; current != nil {
		if current.pageID == req.PageID {
			return
		}
		h.leaveRoom(ctx, client, current, AdminEventUserLeftPage)
	}

	page, err := h.pages.PageByID(ctx, req.PageID)
	if errors.Is(err, pages.ErrPageNotFound) {
		client.Enqueue(EventError, ErrorPayload{Code: CodeNotFound, Message: "page not found"})
		return
	}
	if err != nil {
		h.logger.Error("join page lookup failed",
			zap.String("operation", "hub.join_page"),
			zap.Int64("page_id", req.PageID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "page lookup failed"})
		return
	}

	r := h.roomFor(page)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.title = page.Title

	state, err := h.drafts.Load(ctx, r.pageID)
	if err != nil {
		h.logger.Error("join draft lookup failed",
			zap.String("operation", "hub.join_page"),
			zap.Int64("page_id", r.pageID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "draft lookup failed"})
		return
	}

	entry := h.presence.Add(ctx, client.ID, client.Identity.UserID, client.Identity.Username, r.pageID, req.Mode)
	r.members[client.ID] = client
	client.room = r

	joined := JoinedPayload{
		Presence: presencePayloads(h.presence.ListByPage(r.pageID)),
		Cursors:  cursorPayloads(h.cursors.ListByPage(r.pageID)),
		HasDraft: state.Dirty,
	}
	if state.Dirty {
		content, title := state.Content, state.Title
		joined.DraftContent = &content
		joined.DraftTitle = &title
	}
	client.Enqueue(EventJoined, joined)
	h.broadcastLocked(r, EventUserJoined, UserJoinedPayload{
		UserID:      entry.UserID,
		Username:    entry.Username,
		CursorColor: entry.CursorColor,
		Mode:        entry.Mode,
	}, client)
	h.admin.Emit(AdminEvent{
		Type:      AdminEventUserJoinedPage,
		UserID:    entry.UserID,
		Username:  entry.Username,
		PageID:    r.pageID,
		PageTitle: r.title,
		PageSlug:  r.slug,
		Mode:      entry.Mode,
	})
}

// LeavePage detaches the connection from the page it is on. Leaving a page
// the connection is not on is ignored.
func (h *Hub) LeavePage(ctx context.Context, client *Client, req LeavePageRequest) {
	r := client.room
	if r == nil || r.pageID != req.PageID {
		return
	}
	h.leaveRoom(ctx, client, r, AdminEventUserLeftPage)
}

// ContentChange applies an edit to the page's shared draft and fans the new
// content out to the rest of the room. Senders outside the room are ignored.
func (h *Hub) ContentChange(ctx context.Context, client *Client, req ContentChangeRequest) {
	r := client.room
	if r == nil || r.pageID != req.PageID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := h.drafts.Change(ctx, r.pageID, client.Identity.UserID, client.ID, req.Content, req.Title)
	if err != nil {
		h.logger.Error("content change failed",
			zap.String("operation", "hub.content_change"),
			zap.Int64("page_id", r.pageID),
			zap.Int64("user_id", client.Identity.UserID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "draft save failed"})
		return
	}

	h.broadcastLocked(r, EventContentUpdated, ContentUpdatedPayload{
		UserID:   client.Identity.UserID,
		Username: client.Identity.Username,
		Content:  state.Content,
		Title:    state.Title,
	}, client)
	client.Enqueue(EventDraftSaved, DraftSavedPayload{SavedAt: state.SavedAt})
	h.admin.Emit(AdminEvent{
		Type:      AdminEventDraftSaved,
		UserID:    client.Identity.UserID,
		Username:  client.Identity.Username,
		PageID:    r.pageID,
		PageTitle: r.title,
		PageSlug:  r.slug,
	})
}

// CursorMove records the sender's cursor and broadcasts it to the rest of
// the room. Senders outside the room are ignored.
func (h *Hub) CursorMove(client *Client, req CursorMoveRequest) {
	r := client.room
	if r == nil || r.pageID != req.PageID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state := h.cursors.Update(r.pageID, client.Identity.UserID, req.Position, req.SelectionStart, req.SelectionEnd)
	h.broadcastLocked(r, EventCursorUpdated, CursorUpdatedPayload{
		UserID:         client.Identity.UserID,
		Username:       client.Identity.Username,
		CursorColor:    colorFor(client.Identity.UserID),
		Position:       state.Position,
		SelectionStart: state.SelectionStart,
		SelectionEnd:   state.SelectionEnd,
	}, client)
}

// Publish promotes the page's draft to published content. Publishing a
// clean page changes nothing and emits nothing.
func (h *Hub) Publish(ctx context.Context, client *Client, req PublishRequest) {
	r := client.room
	if r == nil || r.pageID != req.PageID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	revision, published, err := h.drafts.Publish(ctx, r.pageID)
	if err != nil {
		h.logger.Error("publish failed",
			zap.String("operation", "hub.publish"),
			zap.Int64("page_id", r.pageID),
			zap.Int64("user_id", client.Identity.UserID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "publish failed"})
		return
	}
	if !published {
		return
	}

	r.title = revision.Title
	h.broadcastLocked(r, EventPublished, PublishedPayload{PublishedAt: revision.PublishedAt}, nil)
	h.admin.Emit(AdminEvent{
		Type:      AdminEventPagePublished,
		UserID:    client.Identity.UserID,
		Username:  client.Identity.Username,
		PageID:    r.pageID,
		PageTitle: r.title,
		PageSlug:  r.slug,
	})
}

// Revert discards the page's draft and returns the published content to the
// caller. Reverting a clean page replies with the published content anyway.
func (h *Hub) Revert(ctx context.Context, client *Client, req RevertRequest) {
	r := client.room
	if r == nil || r.pageID != req.PageID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wasDirty, err := h.drafts.Revert(ctx, r.pageID)
	if err != nil {
		h.logger.Error("revert failed",
			zap.String("operation", "hub.revert"),
			zap.Int64("page_id", r.pageID),
			zap.Int64("user_id", client.Identity.UserID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "revert failed"})
		return
	}

	page, err := h.pages.PageByID(ctx, r.pageID)
	if err != nil {
		h.logger.Error("revert page lookup failed",
			zap.String("operation", "hub.revert"),
			zap.Int64("page_id", r.pageID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "page lookup failed"})
		return
	}

	payload := RevertedPayload{Content: page.PublishedContent, Title: page.Title}
	client.Enqueue(EventReverted, payload)
	if wasDirty {
		h.broadcastLocked(r, EventReverted, payload, client)
	}
	h.admin.Emit(AdminEvent{
		Type:      AdminEventPageReverted,
		UserID:    client.Identity.UserID,
		Username:  client.Identity.Username,
		PageID:    r.pageID,
		PageTitle: r.title,
		PageSlug:  r.slug,
	})
}

// JoinAdminLive subscribes an admin connection to the mirrored event stream.
func (h *Hub) JoinAdminLive(ctx context.Context, client *Client) {
	if !client.Identity.IsAdmin() {
		client.Enqueue(EventError, ErrorPayload{Code: CodeForbidden, Message: "admin role required"})
		return
	}
	if err := h.admin.Subscribe(ctx, client); err != nil {
		h.logger.Error("admin subscribe failed",
			zap.String("operation", "hub.join_admin_live"),
			zap.Int64("user_id", client.Identity.UserID),
			zap.Error(err))
		client.Enqueue(EventError, ErrorPayload{Code: CodeInternal, Message: "session snapshot failed"})
	}
}

// LeaveAdminLive unsubscribes the connection from the admin stream.
func (h *Hub) LeaveAdminLive(client *Client) {
	h.admin.Unsubscribe(client)
}

// Disconnect cleans up after a dead connection: room membership, presence,
// cursors, and admin subscription.
func (h *Hub) Disconnect(ctx context.Context, client *Client) {
	if r := client.room; r != nil {
		h.leaveRoom(ctx, client, r, AdminEventUserDisconnected)
	}
	h.admin.Unsubscribe(client)
}

func (h *Hub) leaveRoom(ctx context.Context, client *Client, r *room, adminType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, client.ID)
	client.room = nil
	entry, ok := h.presence.Remove(ctx, client.ID)
	if !ok {
		return
	}

	// user-left fires once per logical departure: only when the user's last
	// connection on the page is gone.
	if !h.presence.UserHasPresence(r.pageID, entry.UserID) {
		h.broadcastLocked(r, EventUserLeft, UserLeftPayload{UserID: entry.UserID}, client)
		if h.cursors.Remove(r.pageID, entry.UserID) {
			h.broadcastLocked(r, EventCursorRemoved, CursorRemovedPayload{UserID: entry.UserID}, client)
		}
	}
	h.admin.Emit(AdminEvent{
		Type:      adminType,
		UserID:    entry.UserID,
		Username:  entry.Username,
		PageID:    r.pageID,
		PageTitle: r.title,
		PageSlug:  r.slug,
		Mode:      entry.Mode,
	})
}

func (h *Hub) roomFor(page pages.Page) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[page.ID]
	if !ok {
		r = &room{
			pageID:  page.ID,
			slug:    page.Slug,
			title:   page.Title,
			members: make(map[string]*Client),
		}
		h.rooms[page.ID] = r
	}
	return r
}

func (h *Hub) broadcastLocked(r *room, event string, payload any, except *Client) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("broadcast encode failed",
			zap.String("operation", "hub.broadcast"),
			zap.String("event", event),
			zap.Int64("page_id", r.pageID),
			zap.Error(err))
		return
	}
	for id, member := range r.members {
		if except != nil && id == except.ID {
			continue
		}
		member.push(event, data)
	}
}

func presencePayloads(entries []PresenceEntry) []PresencePayload {
	payloads := make([]PresencePayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, PresencePayload{
			ConnectionID: entry.ConnectionID,
			UserID:       entry.UserID,
			Username:     entry.Username,
			PageID:       entry.PageID,
			Mode:         entry.Mode,
			CursorColor:  entry.CursorColor,
			JoinedAt:     entry.JoinedAt,
		})
	}
	return payloads
}

func cursorPayloads(states []CursorState) []CursorPayload {
	payloads := make([]CursorPayload, 0, len(states))
	for _, state := range states {
		payloads = append(payloads, CursorPayload{
			PageID:         state.PageID,
			UserID:         state.UserID,
			Position:       state.Position,
			SelectionStart: state.SelectionStart,
			SelectionEnd:   state.SelectionEnd,
			UpdatedAt:      state.UpdatedAt,
		})
	}
	return payloads
}
