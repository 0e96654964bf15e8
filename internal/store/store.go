package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/p2panda/node/internal/bamboo"
)

var (
	// ErrMissingDatabase indicates that no database handle was configured.
	ErrMissingDatabase = errors.New("store: database handle is required")
	// ErrDuplicateLogClaim indicates that an author tried to bind a schema to a
	// log id that conflicts with an existing registration.
	ErrDuplicateLogClaim = errors.New("store: conflicting log claim")
	// ErrEntryExists indicates that the log position is already taken.
	ErrEntryExists = errors.New("store: entry already stored at position")
	// ErrCorruptRecord indicates that a stored row cannot be decoded.
	ErrCorruptRecord = errors.New("store: corrupt record")
)

// LogRegistry maps (author, schema) pairs to log ids.
type LogRegistry interface {
	LogID(ctx context.Context, author bamboo.Author, schema bamboo.Hash) (bamboo.LogID, bool, error)
	RegisterLog(ctx context.Context, author bamboo.Author, schema bamboo.Hash, logID bamboo.LogID) error
	NextLogID(ctx context.Context, author bamboo.Author) (bamboo.LogID, error)
}

// EntryStore persists verified entries.
type EntryStore interface {
	AppendEntry(ctx context.Context, entry StoredEntry) (StoredEntry, error)
	EntryAt(ctx context.Context, author bamboo.Author, logID bamboo.LogID, seqNum bamboo.SeqNum) (StoredEntry, bool, error)
	LatestEntry(ctx context.Context, author bamboo.Author, logID bamboo.LogID) (StoredEntry, bool, error)
	EntryByHash(ctx context.Context, hash bamboo.Hash) (StoredEntry, bool, error)
	EachEntry(ctx context.Context, fn func(StoredEntry) error) error
}

var (
	_ LogRegistry = (*Store)(nil)
	_ EntryStore  = (*Store)(nil)
)

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store is the gorm backed log registry, entry store and materialization queue.
type Store struct {
	db            *gorm.DB
	clock         func() time.Time
	inTransaction bool
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Transaction runs fn against a Store bound to a single database transaction.
// Reads of the latest entry inside the transaction take a row lock where the
// dialect supports it.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Store{db: transaction, clock: s.clock, inTransaction: true})
	})
}

func (s *Store) query(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) lockingQuery(ctx context.Context) *gorm.DB {
	if !s.inTransaction {
		return s.query(ctx)
	}
	return s.query(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *Store) now() int64 {
	return s.clock().UTC().Unix()
}

// StoredEntry is a decoded entry row.
type StoredEntry struct {
	ID         int64
	Entry      bamboo.SignedEntry
	Payload    []byte
	Schema     bamboo.Hash
	InsertedAt time.Time
}

// Hash returns the entry hash.
func (e StoredEntry) Hash() bamboo.Hash {
	return e.Entry.Hash()
}

func toEntryRow(entry StoredEntry, insertedAt int64) Entry {
	return Entry{
		EntryHash:         entry.Entry.Hash().String(),
		Author:            entry.Entry.Author.String(),
		LogID:             entry.Entry.LogID.Uint64(),
		SeqNum:            entry.Entry.SeqNum.Uint64(),
		SchemaID:          entry.Schema.String(),
		EntryBytes:        entry.Entry.Hex(),
		PayloadBytes:      hex.EncodeToString(entry.Payload),
		PayloadHash:       entry.Entry.PayloadHash.String(),
		InsertedAtSeconds: insertedAt,
	}
}

func fromEntryRow(row Entry) (StoredEntry, error) {
	signed, err := bamboo.DecodeEntryHex(row.EntryBytes)
	if err != nil {
		return StoredEntry{}, fmt.Errorf("%w: entry %d: %v", ErrCorruptRecord, row.ID, err)
	}
	payload, err := hex.DecodeString(row.PayloadBytes)
	if err != nil {
		return StoredEntry{}, fmt.Errorf("%w: entry %d payload: %v", ErrCorruptRecord, row.ID, err)
	}
	schema, err := bamboo.NewHash(row.SchemaID)
	if err != nil {
		return StoredEntry{}, fmt.Errorf("%w: entry %d schema: %v", ErrCorruptRecord, row.ID, err)
	}
	return StoredEntry{
		ID:         row.ID,
		Entry:      signed,
		Payload:    payload,
		Schema:     schema,
		InsertedAt: time.Unix(row.InsertedAtSeconds, 0).UTC(),
	}, nil
}
