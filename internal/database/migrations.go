package database

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/p2panda/node/internal/store"
)

const migrationRequeueMaterialization = "2026-10-01_requeue_materialization"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRequeueMaterialization, apply: requeueMaterialization},
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
		if err := migration.apply(db, logger); err != nil {
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

// requeueMaterialization queues every stored entry once so databases written
// before the durable queue existed get their projections filled.
func requeueMaterialization(db *gorm.DB, logger *zap.Logger) error {
	entryStore, err := store.NewStore(store.Config{Database: db})
	if err != nil {
		return err
	}
	queued, err := entryStore.RequeueAll(context.Background())
	if err != nil {
		return err
	}
	if logger != nil && queued > 0 {
		logger.Info("entries queued for materialization", zap.Int64("count", queued))
	}
	return nil
}
