package schema

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/p2panda/node/internal/bamboo"
)

var errMissingDatabase = errors.New("schema: database connection required")

// Record stores a registered schema definition.
type Record struct {
	SchemaID            string `gorm:"column:schema_id;primaryKey;size:132;not null"`
	Name                string `gorm:"column:name;size:190;not null"`
	DefinitionCBOR      string `gorm:"column:definition_cbor;type:text;not null"`
	RegisteredAtSeconds int64  `gorm:"column:registered_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "schemas"
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry persists schema definitions and caches resolved ones.
type Registry struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewRegistry constructs the schema registry.
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
		logger = zap.NewNop()
	}
	return &Registry{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// Register stores the definition under its content address. Registering the
// same definition again returns the same id.
func (r *Registry) Register(ctx context.Context, definition Definition) (Resolved, error) {
	normalized, err := definition.Normalize()
	if err != nil {
		return Resolved{}, err
	}
	encoded, err := normalized.Encode()
	if err != nil {
		return Resolved{}, err
	}
	resolved := Resolved{ID: bamboo.HashBytes(encoded), Definition: normalized}

	record := Record{
		SchemaID:            resolved.ID.String(),
		Name:                normalized.Name,
		DefinitionCBOR:      hex.EncodeToString(encoded),
		RegisteredAtSeconds: r.now().UTC().Unix(),
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return Resolved{}, result.Error
	}
	if result.RowsAffected > 0 {
		r.logger.Info("schema registered",
			zap.String("schema_id", resolved.ID.String()),
			zap.String("name", normalized.Name))
	}
	r.cache.Store(resolved.ID, resolved)
	return resolved, nil
}

// Resolve returns the definition registered under id.
func (r *Registry) Resolve(ctx context.Context, id bamboo.Hash) (Resolved, error) {
	if cached, ok := r.cache.Load(id); ok {
		if resolved, ok := cached.(Resolved); ok {
			return resolved, nil
		}
	}

	var record Record
	err := r.db.WithContext(ctx).Where("schema_id = ?", id.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Resolved{}, fmt.Errorf("%w: %s", ErrUnknownSchema, id)
	}
	if err != nil {
		return Resolved{}, err
	}
	resolved, err := decodeRecord(record)
	if err != nil {
		return Resolved{}, err
	}
	r.cache.Store(id, resolved)
	return resolved, nil
}

// List returns every registered schema ordered by name.
func (r *Registry) List(ctx context.Context) ([]Resolved, error) {
	var records []Record
	if err := r.db.WithContext(ctx).Order("name ASC, schema_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	resolved := make([]Resolved, 0, len(records))
	for _, record := range records {
		item, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, item)
	}
	return resolved, nil
}

func decodeRecord(record Record) (Resolved, error) {
	raw, err := hex.DecodeString(record.DefinitionCBOR)
	if err != nil {
		return Resolved{}, fmt.Errorf("schema: corrupt record %s: %w", record.SchemaID, err)
	}
	var definition Definition
	if err := cbor.Unmarshal(raw, &definition); err != nil {
		return Resolved{}, fmt.Errorf("schema: corrupt record %s: %w", record.SchemaID, err)
	}
	id, err := bamboo.NewHash(record.SchemaID)
	if err != nil {
		return Resolved{}, fmt.Errorf("schema: corrupt record %s: %w", record.SchemaID, err)
	}
	if bamboo.HashBytes(raw) != id {
		return Resolved{}, fmt.Errorf("schema: corrupt record %s: content address mismatch", record.SchemaID)
	}
	return Resolved{ID: id, Definition: definition}, nil
}
