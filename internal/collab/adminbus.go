package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingSessionSource = errors.New("session source is required")

// SessionSource supplies the presence snapshot served on subscribe.
type SessionSource interface {
	ActiveSessions(ctx context.Context) ([]ActiveSession, error)
}

// AdminEvent is one room-level event mirrored onto the admin-live stream.
type AdminEvent struct {
	Type      string
	UserID    int64
	Username  string
	PageID    int64
	PageTitle string
	PageSlug  string
	Mode      string
}

type AdminBusConfig struct {
	Sessions SessionSource
	Clock    func() time.Time
	Logger   *zap.Logger
}

// AdminBus fans significant room events out to admin-live subscribers.
// Subscription is independent of page membership.
type AdminBus struct {
	sessions SessionSource
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.RWMutex
	members map[string]*Client
}

func NewAdminBus(cfg AdminBusConfig) (*AdminBus, error) {
	if cfg.Sessions == nil {
		return nil, errMissingSessionSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &AdminBus{
		sessions: cfg.Sessions,
		clock:    clock,
		logger:   logger,
		members:  make(map[string]*Client),
	}, nil
}

// Subscribe registers the connection and sends it the current session
// snapshot. The init frame is queued before membership takes effect so no
// mirrored event can precede it.
func (b *AdminBus) Subscribe(ctx context.Context, client *Client) error {
	sessions, err := b.sessions.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	payload := AdminInitPayload{ActiveSessions: make([]SessionPayload, 0, len(sessions))}
	for _, session := range sessions {
		payload.ActiveSessions = append(payload.ActiveSessions, SessionPayload{
			ConnectionID: session.ConnectionID,
			UserID:       session.UserID,
			Username:     session.Username,
			PageID:       session.PageID,
			PageTitle:    session.PageTitle,
			PageSlug:     session.PageSlug,
			Mode:         session.Mode,
			CursorColor:  colorFor(session.UserID),
			JoinedAt:     session.JoinedAt,
		})
	}

	b.mu.Lock()
	client.Enqueue(EventAdminInit, payload)
	b.members[client.ID] = client
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the connection from the stream.
func (b *AdminBus) Unsubscribe(client *Client) {
	b.mu.Lock()
	delete(b.members, client.ID)
	b.mu.Unlock()
}

// Emit mirrors one event to every subscriber.
func (b *AdminBus) Emit(event AdminEvent) {
	payload := AdminEventPayload{
		Type:      event.Type,
		UserID:    event.UserID,
		Username:  event.Username,
		PageID:    event.PageID,
		PageTitle: event.PageTitle,
		PageSlug:  event.PageSlug,
		Mode:      event.Mode,
		Timestamp: b.clock().UTC(),
	}
	data, err := encodeFrame(EventAdminEvent, payload)
	if err != nil {
		b.logger.Error("admin event encode failed",
			zap.String("operation", "adminbus.emit"),
			zap.String("type", event.Type),
			zap.Error(err))
		return
	}

	b.mu.RLock()
	for _, member := range b.members {
		member.push(EventAdminEvent, data)
	}
	b.mu.RUnlock()
}
