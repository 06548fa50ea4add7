package collab

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copydesk/copydesk/internal/auth"
)

// Client is one authenticated connection on the collaboration stream.
// Outbound frames are queued on a bounded channel and written by the
// connection's writer; a full queue drops the frame rather than stalling
// the broadcaster.
type Client struct {
	ID       string
	Identity auth.Identity

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger

	// room is touched only by the connection's reader goroutine.
	room *room
}

func NewClient(identity auth.Identity, bufferSize int, logger *zap.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		ID:       newConnectionID(),
		Identity: identity,
		send:     make(chan []byte, bufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// newConnectionID mints a time-ordered identifier so connection IDs sort by
// arrival in logs and presence rows.
func newConnectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Enqueue marshals and queues one outbound frame.
func (c *Client) Enqueue(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		c.logger.Error("frame encode failed",
			zap.String("operation", "collab.enqueue"),
			zap.String("event", event),
			zap.String("connection_id", c.ID),
			zap.Error(err))
		return
	}
	c.push(event, data)
}

func (c *Client) push(event string, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("dropping frame for slow connection",
			zap.String("operation", "collab.push"),
			zap.String("event", event),
			zap.String("connection_id", c.ID),
			zap.Int64("user_id", c.Identity.UserID))
	}
}

// Close marks the connection finished; queued frames stop being accepted.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
