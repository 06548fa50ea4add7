package pages

import (
	"time"

	"gorm.io/gorm"
)

// Page is a named document with a unique slug and canonical published
// content. Unauthenticated readers only ever see PublishedContent.
type Page struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Slug             string         `gorm:"column:slug;uniqueIndex;size:190;not null"`
	Title            string         `gorm:"column:title;size:320;not null"`
	PublishedContent string         `gorm:"column:published_content;type:text;not null"`
	LastPublishedAt  *time.Time     `gorm:"column:last_published_at"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt        gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName exposes the table backing pages.
func (Page) TableName() string {
	return "pages"
}

// Draft is the shared editing surface of a page. At most one row exists per
// page; every collaborator mutates the same row (last writer wins). AuthorID
// is the user who first dirtied the page and stays fixed until publish or
// revert.
type Draft struct {
	PageID   int64     `gorm:"column:page_id;primaryKey"`
	AuthorID int64     `gorm:"column:author_id;not null"`
	Content  string    `gorm:"column:content;type:text;not null"`
	Title    string    `gorm:"column:title;size:320;not null"`
	SavedAt  time.Time `gorm:"column:saved_at;not null"`
}

// TableName exposes the table backing page drafts.
func (Draft) TableName() string {
	return "page_drafts"
}

// HistoryRevision is an append-only snapshot written on publish.
type HistoryRevision struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PageID        int64     `gorm:"column:page_id;not null;uniqueIndex:idx_page_history_revision,priority:1"`
	RevisionIndex int64     `gorm:"column:revision_index;not null;uniqueIndex:idx_page_history_revision,priority:2"`
	AuthorID      int64     `gorm:"column:author_id;not null"`
	Title         string    `gorm:"column:title;size:320;not null"`
	Content       string    `gorm:"column:content;type:text;not null"`
	PublishedAt   time.Time `gorm:"column:published_at;not null"`
}

// TableName exposes the table backing page history.
func (HistoryRevision) TableName() string {
	return "page_history"
}
