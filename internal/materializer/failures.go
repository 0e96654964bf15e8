package materializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/store"
)

const defaultFailureLimit = 100

// Failure records an entry that could not be projected.
type Failure struct {
	FailureID         string `gorm:"column:failure_id;primaryKey;size:36;not null"`
	EntryHash         string `gorm:"column:entry_hash;size:132;not null;index:idx_materialization_failures_entry"`
	SchemaID          string `gorm:"column:schema_id;size:132;not null;default:''"`
	Reason            string `gorm:"column:reason;size:64;not null"`
	Detail            string `gorm:"column:detail;type:text;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null;index:idx_materialization_failures_time"`
}

// TableName provides the explicit table binding for GORM.
func (Failure) TableName() string {
	return "materialization_failures"
}

// RecordFailure stores why the entry could not be projected.
func (m *Materializer) RecordFailure(ctx context.Context, entryHash string, schemaID *bamboo.Hash, cause error) error {
	failureID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	failure := Failure{
		FailureID:         failureID.String(),
		EntryHash:         entryHash,
		Reason:            ReasonOf(cause),
		Detail:            fmt.Sprint(cause),
		RecordedAtSeconds: m.clock().UTC().Unix(),
	}
	if schemaID != nil {
		failure.SchemaID = schemaID.String()
	}
	if err := m.db.WithContext(ctx).Create(&failure).Error; err != nil {
		return err
	}
	m.logger.Warn("materialization failed",
		zap.String("entry_hash", failure.EntryHash),
		zap.String("schema_id", failure.SchemaID),
		zap.String("reason", failure.Reason),
		zap.Error(cause))
	return nil
}

// Failures returns the most recent failures first.
func (m *Materializer) Failures(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = defaultFailureLimit
	}
	var failures []Failure
	err := m.db.WithContext(ctx).
		Order("recorded_at_s DESC, failure_id DESC").
		Limit(limit).
		Find(&failures).Error
	if err != nil {
		return nil, err
	}
	return failures, nil
}

// RebuildResult summarizes a projection rebuild.
type RebuildResult struct {
	Applied int
	Failed  int
}

// Rebuild drops the projection of the schema and replays every stored entry
// that targets it in insertion order. Events that fail are recorded and do not
// stop the replay.
func (m *Materializer) Rebuild(ctx context.Context, schemaID bamboo.Hash) (RebuildResult, error) {
	m.rebuilding.Lock()
	defer m.rebuilding.Unlock()

	target, err := m.projectionFor(ctx, schemaID)
	if err != nil {
		return RebuildResult{}, err
	}
	if err := m.tables.drop(m.db.WithContext(ctx), target); err != nil {
		return RebuildResult{}, err
	}

	var result RebuildResult
	err = m.entries.EachEntry(ctx, func(entry store.StoredEntry) error {
		if entry.Schema != schemaID {
			return nil
		}
		event, err := EventFromEntry(entry)
		if err == nil {
			_, err = m.apply(ctx, event)
		}
		if err == nil {
			result.Applied++
			return nil
		}
		if !errors.Is(err, ErrSchemaValidation) && !errors.Is(err, ErrRecordMissing) {
			return err
		}
		result.Failed++
		return m.RecordFailure(ctx, entry.Hash().String(), &schemaID, err)
	})
	if err != nil {
		return result, err
	}
	m.logger.Info("projection rebuilt",
		zap.String("schema_id", schemaID.String()),
		zap.Int("applied", result.Applied),
		zap.Int("failed", result.Failed))
	return result, nil
}
