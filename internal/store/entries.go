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
	queryEntryPosition = "author = ? AND log_id = ? AND seq_num = ?"
	queryEntryLog      = "author = ? AND log_id = ?"
	queryEntryHash     = "entry_hash = ?"
	orderSeqNumDesc    = "seq_num DESC"
	orderIDAsc         = "id ASC"
	entryBatchSize     = 200
)

// AppendEntry persists the entry. A second entry at the same log position, or
// the same entry twice, returns ErrEntryExists.
func (s *Store) AppendEntry(ctx context.Context, entry StoredEntry) (StoredEntry, error) {
	row := toEntryRow(entry, s.now())
	result := s.query(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return StoredEntry{}, result.Error
	}
	if result.RowsAffected == 0 {
		return StoredEntry{}, fmt.Errorf("%w: %s log %d seq %d", ErrEntryExists, entry.Entry.Author, entry.Entry.LogID, entry.Entry.SeqNum)
	}
	return fromEntryRow(row)
}

// EntryAt returns the entry at the given log position.
func (s *Store) EntryAt(ctx context.Context, author bamboo.Author, logID bamboo.LogID, seqNum bamboo.SeqNum) (StoredEntry, bool, error) {
	var row Entry
	err := s.query(ctx).
		Where(queryEntryPosition, author.String(), logID.Uint64(), seqNum.Uint64()).
		Take(&row).Error
	return entryResult(row, err)
}

// LatestEntry returns the entry with the highest seq num in the log.
func (s *Store) LatestEntry(ctx context.Context, author bamboo.Author, logID bamboo.LogID) (StoredEntry, bool, error) {
	var row Entry
	err := s.lockingQuery(ctx).
		Where(queryEntryLog, author.String(), logID.Uint64()).
		Order(orderSeqNumDesc).
		Take(&row).Error
	return entryResult(row, err)
}

// EntryByHash returns the entry with the given hash.
func (s *Store) EntryByHash(ctx context.Context, hash bamboo.Hash) (StoredEntry, bool, error) {
	var row Entry
	err := s.query(ctx).Where(queryEntryHash, hash.String()).Take(&row).Error
	return entryResult(row, err)
}

// EachEntry calls fn for every stored entry in insertion order. Iteration
// stops at the first error.
func (s *Store) EachEntry(ctx context.Context, fn func(StoredEntry) error) error {
	var afterID int64
	for {
		var rows []Entry
		err := s.query(ctx).
			Where("id > ?", afterID).
			Order(orderIDAsc).
			Limit(entryBatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			entry, err := fromEntryRow(row)
			if err != nil {
				return err
			}
			if err := fn(entry); err != nil {
				return err
			}
			afterID = row.ID
		}
		if len(rows) < entryBatchSize {
			return nil
		}
	}
}

func entryResult(row Entry, err error) (StoredEntry, bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredEntry{}, false, nil
	}
	if err != nil {
		return StoredEntry{}, false, err
	}
	entry, err := fromEntryRow(row)
	if err != nil {
		return StoredEntry{}, false, err
	}
	return entry, true, nil
}
