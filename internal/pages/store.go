package pages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPageNotFound indicates the page does not exist or has been deleted.
	ErrPageNotFound = errors.New("page not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError wraps a failed store operation with a stable machine-readable
// code of the form operation.reason.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for the failure.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew    = "pages.store.new"
	opPageLookup  = "pages.lookup"
	opPageList    = "pages.list"
	opPageCreate  = "pages.create"
	opDraftLookup = "pages.draft_lookup"
	opDraftSave   = "pages.draft_save"
	opDraftDelete = "pages.draft_delete"
	opPublish     = "pages.publish"
	opHistoryList = "pages.history_list"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the page store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable adapter for pages, drafts, and publish history. The
// publish transition is the only write path for published content and is
// transactional across all three tables.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the page store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// PageByID returns the non-deleted page with the given id.
func (s *Store) PageByID(ctx context.Context, id int64) (Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrPageNotFound
	}
	if err != nil {
		s.logError(opPageLookup, "query_failed", err, zap.Int64("page_id", id))
		return Page{}, newStoreError(opPageLookup, "query_failed", err)
	}
	return page, nil
}

// PageBySlug returns the non-deleted page with the given slug.
func (s *Store) PageBySlug(ctx context.Context, slug string) (Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrPageNotFound
	}
	if err != nil {
		s.logError(opPageLookup, "query_failed", err, zap.String("slug", slug))
		return Page{}, newStoreError(opPageLookup, "query_failed", err)
	}
	return page, nil
}

// ListPages returns all non-deleted pages ordered by slug.
func (s *Store) ListPages(ctx context.Context) ([]Page, error) {
	var result []Page
	if err := s.db.WithContext(ctx).Order("slug ASC").Find(&result).Error; err != nil {
		s.logError(opPageList, "query_failed", err)
		return nil, newStoreError(opPageList, "query_failed", err)
	}
	return result, nil
}

// CreatePage inserts a new page with initial published content.
func (s *Store) CreatePage(ctx context.Context, slug, title, content string) (Page, error) {
	page := Page{
		Slug:             slug,
		Title:            title,
		PublishedContent: content,
	}
	if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
		s.logError(opPageCreate, "insert_failed", err, zap.String("slug", slug))
		return Page{}, newStoreError(opPageCreate, "insert_failed", err)
	}
	return page, nil
}

// Draft returns the draft row for the page, reporting whether one exists.
func (s *Store) Draft(ctx context.Context, pageID int64) (Draft, bool, error) {
	var draft Draft
	err := s.db.WithContext(ctx).Where("page_id = ?", pageID).Take(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Draft{}, false, nil
	}
	if err != nil {
		s.logError(opDraftLookup, "query_failed", err, zap.Int64("page_id", pageID))
		return Draft{}, false, newStoreError(opDraftLookup, "query_failed", err)
	}
	return draft, true, nil
}

// SaveDraft upserts the page's draft row. The author column is written only
// on insert: the user who first dirtied the page owns the draft until it is
// published or reverted.
func (s *Store) SaveDraft(ctx context.Context, draft Draft) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "page_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "title", "saved_at"}),
	}).Create(&draft).Error
	if err != nil {
		s.logError(opDraftSave, "insert_failed", err, zap.Int64("page_id", draft.PageID))
		return newStoreError(opDraftSave, "insert_failed", err)
	}
	return nil
}

// DeleteDraft removes the page's draft row if one exists.
func (s *Store) DeleteDraft(ctx context.Context, pageID int64) error {
	if err := s.db.WithContext(ctx).Where("page_id = ?", pageID).Delete(&Draft{}).Error; err != nil {
		s.logError(opDraftDelete, "delete_failed", err, zap.Int64("page_id", pageID))
		return newStoreError(opDraftDelete, "delete_failed", err)
	}
	return nil
}

// Publish promotes draft content to the page's canonical content in a single
// transaction: the page row is updated, a history revision is appended, and
// the draft row is removed.
func (s *Store) Publish(ctx context.Context, pageID, authorID int64, title, content string, publishedAt time.Time) (HistoryRevision, error) {
	var revision HistoryRevision
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page Page
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", pageID).
			Take(&page).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPageNotFound
		}
		if err != nil {
			s.logError(opPublish, "query_failed", err, zap.Int64("page_id", pageID))
			return newStoreError(opPublish, "query_failed", err)
		}

		updates := map[string]interface{}{
			"title":             title,
			"published_content": content,
			"last_published_at": publishedAt,
		}
		if err := tx.Model(&Page{}).Where("id = ?", pageID).Updates(updates).Error; err != nil {
			s.logError(opPublish, "update_failed", err, zap.Int64("page_id", pageID))
			return newStoreError(opPublish, "update_failed", err)
		}

		var lastIndex int64
		row := tx.Model(&HistoryRevision{}).
			Where("page_id = ?", pageID).
			Select("COALESCE(MAX(revision_index), 0)")
		if err := row.Scan(&lastIndex).Error; err != nil {
			s.logError(opPublish, "revision_query_failed", err, zap.Int64("page_id", pageID))
			return newStoreError(opPublish, "revision_query_failed", err)
		}

		revision = HistoryRevision{
			PageID:        pageID,
			RevisionIndex: lastIndex + 1,
			AuthorID:      authorID,
			Title:         title,
			Content:       content,
			PublishedAt:   publishedAt,
		}
		if err := tx.Create(&revision).Error; err != nil {
			s.logError(opPublish, "insert_failed", err, zap.Int64("page_id", pageID))
			return newStoreError(opPublish, "insert_failed", err)
		}

		if err := tx.Where("page_id = ?", pageID).Delete(&Draft{}).Error; err != nil {
			s.logError(opPublish, "delete_failed", err, zap.Int64("page_id", pageID))
			return newStoreError(opPublish, "delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return HistoryRevision{}, txErr
	}
	return revision, nil
}

// HistoryByPage returns the page's revisions ordered oldest first.
func (s *Store) HistoryByPage(ctx context.Context, pageID int64) ([]HistoryRevision, error) {
	var revisions []HistoryRevision
	err := s.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Order("revision_index ASC").
		Find(&revisions).Error
	if err != nil {
		s.logError(opHistoryList, "query_failed", err, zap.Int64("page_id", pageID))
		return nil, newStoreError(opHistoryList, "query_failed", err)
	}
	return revisions, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("page store error", attrs...)
}
