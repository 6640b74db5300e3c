package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillOperationEntityKeys = "2026-06-12_backfill_operation_entity_keys"

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
		{name: migrationBackfillOperationEntityKeys, apply: backfillOperationEntityKeys},
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

// backfillOperationEntityKeys derives entity_key for operation rows written
// before the column existed. Conflict detection groups by entity_key, so
// rows without one would never be seen as concurrent.
func backfillOperationEntityKeys(db *gorm.DB) error {
	const statement = `
UPDATE mindmap_operations
SET entity_key = (CASE WHEN operation_type LIKE '%-node' THEN 'node:' ELSE 'edge:' END)
	|| COALESCE(json_extract(operation_data, '$.id'), '')
WHERE entity_key IS NULL OR entity_key = '';`
	return db.Exec(statement).Error
}
