package collab

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")

	noOpLogger = zap.NewNop()
)

// PresenceRecord is the durable mirror of one live connection's presence.
// Rows exist only while the owning process considers the connection attached
// to a page; the table is swept clean at startup.
type PresenceRecord struct {
	ConnectionID string    `gorm:"column:connection_id;primaryKey;size:64"`
	UserID       int64     `gorm:"column:user_id;not null;index"`
	PageID       int64     `gorm:"column:page_id;not null;index"`
	Mode         string    `gorm:"column:mode;size:16;not null"`
	JoinedAt     time.Time `gorm:"column:joined_at;not null"`
}

func (PresenceRecord) TableName() string {
	return "page_presence"
}

// PresenceEntry is the in-memory presence record used for broadcast routing.
type PresenceEntry struct {
	ConnectionID string
	UserID       int64
	Username     string
	PageID       int64
	Mode         string
	CursorColor  string
	JoinedAt     time.Time
}

// ActiveSession is one presence entry joined with page and user metadata,
// as served to admin-live subscribers on subscribe.
type ActiveSession struct {
	ConnectionID string
	UserID       int64
	Username     string
	PageID       int64
	PageTitle    string
	PageSlug     string
	Mode         string
	JoinedAt     time.Time
}

type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry tracks which connections are attached to which pages. Memory is
// authoritative for routing decisions; the page_presence table mirrors it for
// admin snapshots and is maintained best-effort.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu     sync.RWMutex
	byConn map[string]PresenceEntry
	byPage map[int64]map[string]PresenceEntry
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		byConn: make(map[string]PresenceEntry),
		byPage: make(map[int64]map[string]PresenceEntry),
	}, nil
}

// Add registers a connection on a page and returns the resulting entry. A
// connection holds at most one entry; re-adding under a new page replaces
// the old entry.
func (r *Registry) Add(ctx context.Context, connectionID string, userID int64, username string, pageID int64, mode string) PresenceEntry {
	entry := PresenceEntry{
		ConnectionID: connectionID,
		UserID:       userID,
		Username:     username,
		PageID:       pageID,
		Mode:         mode,
		CursorColor:  colorFor(userID),
		JoinedAt:     r.clock().UTC(),
	}

	r.mu.Lock()
	if previous, ok := r.byConn[connectionID]; ok {
		r.dropFromPageLocked(previous)
	}
	r.byConn[connectionID] = entry
	if _, ok := r.byPage[pageID]; !ok {
		r.byPage[pageID] = make(map[string]PresenceEntry)
	}
	r.byPage[pageID][connectionID] = entry
	r.mu.Unlock()

	record := PresenceRecord{
		ConnectionID: entry.ConnectionID,
		UserID:       entry.UserID,
		PageID:       entry.PageID,
		Mode:         entry.Mode,
		JoinedAt:     entry.JoinedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "page_id", "mode", "joined_at"}),
	}).Create(&record).Error
	if err != nil {
		r.logger.Warn("presence mirror write failed",
			zap.String("operation", "presence.add"),
			zap.String("connection_id", connectionID),
			zap.Int64("page_id", pageID),
			zap.Error(err))
	}
	return entry
}

// Remove drops the connection's entry, reporting the removed entry if one
// existed.
func (r *Registry) Remove(ctx context.Context, connectionID string) (PresenceEntry, bool) {
	r.mu.Lock()
	entry, ok := r.byConn[connectionID]
	if ok {
		delete(r.byConn, connectionID)
		r.dropFromPageLocked(entry)
	}
	r.mu.Unlock()
	if !ok {
		return PresenceEntry{}, false
	}

	err := r.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&PresenceRecord{}).Error
	if err != nil {
		r.logger.Warn("presence mirror delete failed",
			zap.String("operation", "presence.remove"),
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
	return entry, true
}

// ListByPage returns the page's presence entries ordered by join time.
func (r *Registry) ListByPage(pageID int64) []PresenceEntry {
	r.mu.RLock()
	entries := make([]PresenceEntry, 0, len(r.byPage[pageID]))
	for _, entry := range r.byPage[pageID] {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries
}

// UserHasPresence reports whether the user still has at least one live
// connection on the page.
func (r *Registry) UserHasPresence(pageID, userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.byPage[pageID] {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

// ActiveSessions returns every presence row joined with user and page
// metadata, for the admin-live initial snapshot.
func (r *Registry) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	var sessions []ActiveSession
	err := r.db.WithContext(ctx).
		Table("page_presence").
		Select("page_presence.connection_id, page_presence.user_id, users.username, page_presence.page_id, pages.title AS page_title, pages.slug AS page_slug, page_presence.mode, page_presence.joined_at").
		Joins("JOIN users ON users.id = page_presence.user_id").
		Joins("JOIN pages ON pages.id = page_presence.page_id").
		Where("pages.deleted_at IS NULL").
		Order("page_presence.joined_at ASC, page_presence.connection_id ASC").
		Scan(&sessions).Error
	if err != nil {
		r.logger.Error("active session query failed",
			zap.String("operation", "presence.active_sessions"),
			zap.Error(err))
		return nil, err
	}
	return sessions, nil
}

// Reset clears all durable presence rows. Called at startup so rows from a
// previous process cannot survive as phantom sessions.
func (r *Registry) Reset(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&PresenceRecord{}).Error; err != nil {
		r.logger.Error("presence reset failed",
			zap.String("operation", "presence.reset"),
			zap.Error(err))
		return err
	}
	return nil
}

func (r *Registry) dropFromPageLocked(entry PresenceEntry) {
	page := r.byPage[entry.PageID]
	if page == nil {
		return
	}
	delete(page, entry.ConnectionID)
	if len(page) == 0 {
		delete(r.byPage, entry.PageID)
	}
}
