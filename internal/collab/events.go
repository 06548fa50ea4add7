package collab

import (
	"encoding/json"
	"time"
)

// Inbound event names accepted on the collaboration stream.
const (
	EventJoinPage       = "join-page"
	EventLeavePage      = "leave-page"
	EventContentChange  = "content-change"
	EventCursorMove     = "cursor-move"
	EventPublish        = "publish"
	EventRevert         = "revert"
	EventJoinAdminLive  = "join-admin-live"
	EventLeaveAdminLive = "leave-admin-live"
)

// Outbound event names emitted to connected clients.
const (
	EventJoined         = "joined"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventContentUpdated = "content-updated"
	EventCursorUpdated  = "cursor-updated"
	EventCursorRemoved  = "cursor-removed"
	EventDraftSaved     = "draft-saved"
	EventPublished      = "published"
	EventReverted       = "reverted"
	EventAdminInit      = "admin-init"
	EventAdminEvent     = "admin-event"
	EventError          = "error"
	EventConnectError   = "connect_error"
)

// Error codes carried by error and connect_error payloads.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL"
)

// Admin event types mirrored onto the admin-live stream.
const (
	AdminEventUserJoinedPage   = "user-joined-page"
	AdminEventUserLeftPage     = "user-left-page"
	AdminEventUserDisconnected = "user-disconnected"
	AdminEventDraftSaved       = "draft-saved"
	AdminEventPagePublished    = "page-published"
	AdminEventPageReverted     = "page-reverted"
)

// Presence modes.
const (
	ModeEditing = "editing"
	ModeViewing = "viewing"
)

// Frame is the envelope for every message on the collaboration stream, in
// both directions. Data is left raw on the inbound path so each handler can
// decode its own payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: payload})
}

type JoinPageRequest struct {
	PageID int64  `json:"pageId"`
	Mode   string `json:"mode"`
}

type LeavePageRequest struct {
	PageID int64 `json:"pageId"`
}

type ContentChangeRequest struct {
	PageID  int64  `json:"pageId"`
	Content string `json:"content"`
	Title   string `json:"title"`
}

type CursorMoveRequest struct {
	PageID         int64 `json:"pageId"`
	Position       int   `json:"position"`
	SelectionStart int   `json:"selectionStart"`
	SelectionEnd   int   `json:"selectionEnd"`
}

type PublishRequest struct {
	PageID   int64  `json:"pageId"`
	ParentID *int64 `json:"parentId,omitempty"`
}

type RevertRequest struct {
	PageID int64 `json:"pageId"`
}

// PresencePayload is one presence entry as seen on the wire.
type PresencePayload struct {
	ConnectionID string    `json:"connectionId"`
	UserID       int64     `json:"userId"`
	Username     string    `json:"username"`
	PageID       int64     `json:"pageId"`
	Mode         string    `json:"mode"`
	CursorColor  string    `json:"cursorColor"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// CursorPayload is one cursor state as seen on the wire.
type CursorPayload struct {
	PageID         int64     `json:"pageId"`
	UserID         int64     `json:"userId"`
	Position       int       `json:"position"`
	SelectionStart int       `json:"selectionStart"`
	SelectionEnd   int       `json:"selectionEnd"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// JoinedPayload is the room snapshot sent to a connection that has just
// joined a page. Draft content is present only when the page is dirty.
type JoinedPayload struct {
	Presence     []PresencePayload `json:"presence"`
	Cursors      []CursorPayload   `json:"cursors"`
	HasDraft     bool              `json:"hasDraft"`
	DraftContent *string           `json:"draftContent,omitempty"`
	DraftTitle   *string           `json:"draftTitle,omitempty"`
}

type UserJoinedPayload struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	CursorColor string `json:"cursorColor"`
	Mode        string `json:"mode"`
}

type UserLeftPayload struct {
	UserID int64 `json:"userId"`
}

type ContentUpdatedPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Content  string `json:"content"`
	Title    string `json:"title"`
}

type CursorUpdatedPayload struct {
	UserID         int64  `json:"userId"`
	Username       string `json:"username"`
	CursorColor    string `json:"cursorColor"`
	Position       int    `json:"position"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

type CursorRemovedPayload struct {
	UserID int64 `json:"userId"`
}

type DraftSavedPayload struct {
	SavedAt time.Time `json:"savedAt"`
}

type PublishedPayload struct {
	PublishedAt time.Time `json:"publishedAt"`
}

type RevertedPayload struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

// SessionPayload is one row of the admin-init snapshot.
type SessionPayload struct {
	ConnectionID string    `json:"connectionId"`
	UserID       int64     `json:"userId"`
	Username     string    `json:"username"`
	PageID       int64     `json:"pageId"`
	PageTitle    string    `json:"pageTitle"`
	PageSlug     string    `json:"pageSlug"`
	Mode         string    `json:"mode"`
	CursorColor  string    `json:"cursorColor"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type AdminInitPayload struct {
	ActiveSessions []SessionPayload `json:"activeSessions"`
}

type AdminEventPayload struct {
	Type      string    `json:"type"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	PageID    int64     `json:"pageId"`
	PageTitle string    `json:"pageTitle"`
	PageSlug  string    `json:"pageSlug"`
	Mode      string    `json:"mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
