package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/copydesk/copydesk/internal/collab"
)

const migrationNormalizePresenceModes = "2026-07-28_normalize_presence_modes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizePresenceModes, apply: normalizePresenceModes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizePresenceModes rewrites the short mode spellings persisted before
// modes were standardized on editing/viewing.
func normalizePresenceModes(db *gorm.DB) error {
	if err := db.Model(&collab.PresenceRecord{}).
		Where("mode = ?", "edit").
		Update("mode", collab.ModeEditing).Error; err != nil {
		return err
	}
	return db.Model(&collab.PresenceRecord{}).
		Where("mode = ?", "view").
		Update("mode", collab.ModeViewing).Error
}
