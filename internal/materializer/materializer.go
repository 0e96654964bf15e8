package materializer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/message"
	"github.com/p2panda/node/internal/schema"
	"github.com/p2panda/node/internal/store"
)

// Outcome describes what applying an event did to its projection.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
)

const (
	ReasonSchemaValidationFailure = "schema_validation_failure"
	ReasonRecordMissing           = "record_missing"
	ReasonStorageFailure          = "storage_failure"

	queryOwnedRecordBefore = "id = ? AND author = ? AND seq_num < ? AND deleted = ?"
	queryRecordID          = "id = ?"
	queryLiveRecord        = "id = ? AND deleted = ?"
	orderRecordIDAsc       = "id ASC"
)

var (
	// ErrSchemaValidation indicates that an event does not fit its schema.
	ErrSchemaValidation = errors.New("materializer: schema validation failed")
	// ErrForeignAuthor indicates that an update or delete was signed by an
	// author other than the one who created the record.
	ErrForeignAuthor = fmt.Errorf("%w: record owned by another author", ErrSchemaValidation)
	// ErrRecordMissing indicates that an update or delete targets a record that
	// has not been created.
	ErrRecordMissing = errors.New("materializer: record missing")
	// ErrDocumentNotFound indicates that no live record exists for a read.
	ErrDocumentNotFound = errors.New("materializer: document not found")

	errMissingDatabase = errors.New("materializer: database connection required")
	errMissingSchemas  = errors.New("materializer: schema resolver required")
	errMissingEntries  = errors.New("materializer: entry iterator required")
)

// ReasonOf maps an Apply error to its stable reason code.
func ReasonOf(err error) string {
	switch {
	case errors.Is(err, ErrSchemaValidation):
		return ReasonSchemaValidationFailure
	case errors.Is(err, ErrRecordMissing):
		return ReasonRecordMissing
	default:
		return ReasonStorageFailure
	}
}

// Event is one validated message ready to be projected.
type Event struct {
	EntryHash bamboo.Hash
	Author    bamboo.Author
	SeqNum    bamboo.SeqNum
	Message   message.Message
}

// EventFromEntry decodes the message carried by a stored entry.
func EventFromEntry(entry store.StoredEntry) (Event, error) {
	encoded, err := message.Decode(entry.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return Event{
		EntryHash: entry.Hash(),
		Author:    entry.Entry.Author,
		SeqNum:    entry.Entry.SeqNum,
		Message:   encoded.Message,
	}, nil
}

// RecordID returns the id of the record the event targets. Creates address
// the record by the hash of the entry that carried them.
func (e Event) RecordID() bamboo.Hash {
	if id, ok := e.Message.ID(); ok {
		return id
	}
	return e.EntryHash
}

// SchemaResolver looks up registered schemas.
type SchemaResolver interface {
	Resolve(ctx context.Context, id bamboo.Hash) (schema.Resolved, error)
}

// EntryIterator walks the entry store in insertion order.
type EntryIterator interface {
	EachEntry(ctx context.Context, fn func(store.StoredEntry) error) error
}

// Config describes the dependencies of a Materializer.
type Config struct {
	Database *gorm.DB
	Schemas  SchemaResolver
	Entries  EntryIterator
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Materializer projects events into one current-state table per schema.
type Materializer struct {
	db      *gorm.DB
	schemas SchemaResolver
	entries EntryIterator
	clock   func() time.Time
	logger  *zap.Logger
	tables  ensuredTables
	// rebuilding excludes Apply while a projection is replayed.
	rebuilding sync.RWMutex
}

// New validates the configuration and returns a Materializer.
func New(cfg Config) (*Materializer, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Schemas == nil {
		return nil, errMissingSchemas
	}
	if cfg.Entries == nil {
		return nil, errMissingEntries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		db:      cfg.Database,
		schemas: cfg.Schemas,
		entries: cfg.Entries,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Apply projects the event. Applying the same event twice, or an event older
// than the stored row, leaves the row unchanged. Only the author of the create
// may update or delete a record, so seq nums are always compared within one
// log.
func (m *Materializer) Apply(ctx context.Context, event Event) (Outcome, error) {
	m.rebuilding.RLock()
	defer m.rebuilding.RUnlock()
	return m.apply(ctx, event)
}

func (m *Materializer) apply(ctx context.Context, event Event) (Outcome, error) {
	target, err := m.projectionFor(ctx, event.Message.Schema())
	if err != nil {
		return "", err
	}
	if err := target.schema.Check(event.Message); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}

	db := m.db.WithContext(ctx)
	if err := m.tables.ensure(db, target); err != nil {
		return "", err
	}

	recordID := event.RecordID().String()
	seqNum := event.SeqNum.Uint64()
	switch event.Message.Action() {
	case message.ActionCreate:
		row := fieldValues(event.Message)
		row[columnID] = recordID
		row[columnAuthor] = event.Author.String()
		row[columnSeqNum] = seqNum
		row[columnDeleted] = false
		result := db.Table(target.table).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if result.Error != nil {
			return "", result.Error
		}
		if result.RowsAffected == 0 {
			return OutcomeDuplicate, nil
		}
		return OutcomeInserted, nil
	case message.ActionUpdate:
		assignments := fieldValues(event.Message)
		assignments[columnSeqNum] = seqNum
		return m.guardedWrite(db, target, recordID, event.Author.String(), seqNum, assignments, OutcomeUpdated)
	default:
		assignments := map[string]any{
			columnSeqNum:  seqNum,
			columnDeleted: true,
		}
		return m.guardedWrite(db, target, recordID, event.Author.String(), seqNum, assignments, OutcomeDeleted)
	}
}

// guardedWrite only touches a live row of the author whose seq num is below
// the event's.
func (m *Materializer) guardedWrite(db *gorm.DB, target projection, recordID, author string, seqNum uint64, assignments map[string]any, applied Outcome) (Outcome, error) {
	result := db.Table(target.table).
		Where(queryOwnedRecordBefore, recordID, author, seqNum, false).
		Updates(assignments)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected > 0 {
		return applied, nil
	}

	var owners []string
	if err := db.Table(target.table).Where(queryRecordID, recordID).Limit(1).Pluck(columnAuthor, &owners).Error; err != nil {
		return "", err
	}
	if len(owners) == 0 {
		return "", fmt.Errorf("%w: %s", ErrRecordMissing, recordID)
	}
	if owners[0] != author {
		return "", fmt.Errorf("%w: %s", ErrForeignAuthor, recordID)
	}
	return OutcomeStale, nil
}

func (m *Materializer) projectionFor(ctx context.Context, schemaID bamboo.Hash) (projection, error) {
	resolved, err := m.schemas.Resolve(ctx, schemaID)
	if errors.Is(err, schema.ErrUnknownSchema) {
		return projection{}, fmt.Errorf("%w: %w", ErrSchemaValidation, err)
	}
	if err != nil {
		return projection{}, err
	}
	return newProjection(m.db, resolved), nil
}

func fieldValues(msg message.Message) map[string]any {
	fields := msg.Fields()
	values := make(map[string]any, len(fields)+4)
	for name, value := range fields {
		values[name] = value.Interface()
	}
	return values
}
