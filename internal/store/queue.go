package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	orderEntryIDAsc     = "entry_id ASC"
	queryTaskEntryHash  = "entry_hash = ?"
	queryTaskDue        = "next_attempt_at_s <= ?"
	requeueAllStatement = `INSERT INTO materialization_tasks (entry_hash, entry_id, author, log_id, seq_num, attempts, last_error, enqueued_at_s)
SELECT entry_hash, id, author, log_id, seq_num, 0, '', ? FROM entries WHERE true
ON CONFLICT DO NOTHING`
)

// EnqueueMaterialization queues the stored entry for projection. Queuing the
// same entry twice is a no-op.
func (s *Store) EnqueueMaterialization(ctx context.Context, entry StoredEntry) error {
	task := MaterializationTask{
		EntryHash:         entry.Hash().String(),
		EntryID:           entry.ID,
		Author:            entry.Entry.Author.String(),
		LogID:             entry.Entry.LogID.Uint64(),
		SeqNum:            entry.Entry.SeqNum.Uint64(),
		EnqueuedAtSeconds: s.now(),
	}
	return s.query(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&task).Error
}

// PendingTasks returns up to limit due tasks in entry insertion order.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]MaterializationTask, error) {
	var tasks []MaterializationTask
	err := s.query(ctx).
		Where(queryTaskDue, s.now()).
		Order(orderEntryIDAsc).
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CompleteTask removes the task from the queue.
func (s *Store) CompleteTask(ctx context.Context, entryHash string) error {
	return s.query(ctx).Where(queryTaskEntryHash, entryHash).Delete(&MaterializationTask{}).Error
}

// RetryTask records a failed attempt, defers the task by delay and returns the
// attempt count.
func (s *Store) RetryTask(ctx context.Context, entryHash string, cause error, delay time.Duration) (int, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	err := s.query(ctx).
		Model(&MaterializationTask{}).
		Where(queryTaskEntryHash, entryHash).
		Updates(map[string]any{
			"attempts":          gorm.Expr("attempts + 1"),
			"last_error":        message,
			"next_attempt_at_s": s.clock().Add(delay).UTC().Unix(),
		}).Error
	if err != nil {
		return 0, err
	}
	var task MaterializationTask
	if err := s.query(ctx).Where(queryTaskEntryHash, entryHash).Take(&task).Error; err != nil {
		return 0, err
	}
	return task.Attempts, nil
}

// RequeueAll queues every stored entry that is not queued yet and reports how
// many tasks were added.
func (s *Store) RequeueAll(ctx context.Context) (int64, error) {
	result := s.query(ctx).Exec(requeueAllStatement, s.now())
	return result.RowsAffected, result.Error
}
