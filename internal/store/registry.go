package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/p2panda/node/internal/bamboo"
)

const (
	queryAuthorSchema = "author = ? AND schema_id = ?"
	queryAuthor       = "author = ?"
)

// LogID returns the log id registered for the author and schema.
func (s *Store) LogID(ctx context.Context, author bamboo.Author, schema bamboo.Hash) (bamboo.LogID, bool, error) {
	var record Log
	err := s.query(ctx).
		Where(queryAuthorSchema, author.String(), schema.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bamboo.LogID(record.LogID), true, nil
}

// RegisterLog binds the schema to logID for the author. Registering an
// identical claim twice succeeds; any other overlap with an existing
// registration returns ErrDuplicateLogClaim.
func (s *Store) RegisterLog(ctx context.Context, author bamboo.Author, schema bamboo.Hash, logID bamboo.LogID) error {
	record := Log{
		Author:              author.String(),
		SchemaID:            schema.String(),
		LogID:               logID.Uint64(),
		RegisteredAtSeconds: s.now(),
	}
	result := s.query(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	existing, found, err := s.LogID(ctx, author, schema)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: log %d of %s belongs to another schema", ErrDuplicateLogClaim, logID, author)
	}
	if existing != logID {
		return fmt.Errorf("%w: schema %s already uses log %d", ErrDuplicateLogClaim, schema, existing)
	}
	return nil
}

// NextLogID returns the lowest log id above every log the author registered.
func (s *Store) NextLogID(ctx context.Context, author bamboo.Author) (bamboo.LogID, error) {
	var highest uint64
	err := s.query(ctx).
		Model(&Log{}).
		Where(queryAuthor, author.String()).
		Select("COALESCE(MAX(log_id), 0)").
		Scan(&highest).Error
	if err != nil {
		return 0, err
	}
	return bamboo.LogID(highest + 1), nil
}
