package store

// Log stores the log id an author assigned to a schema.
type Log struct {
	Author              string `gorm:"column:author;primaryKey;size:64;not null;uniqueIndex:idx_logs_author_log_id,priority:1"`
	SchemaID            string `gorm:"column:schema_id;primaryKey;size:132;not null"`
	LogID               uint64 `gorm:"column:log_id;not null;uniqueIndex:idx_logs_author_log_id,priority:2"`
	RegisteredAtSeconds int64  `gorm:"column:registered_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Log) TableName() string {
	return "logs"
}

// Entry stores one verified entry together with its payload.
type Entry struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EntryHash         string `gorm:"column:entry_hash;size:132;not null;uniqueIndex:idx_entries_hash"`
	Author            string `gorm:"column:author;size:64;not null;uniqueIndex:idx_entries_position,priority:1"`
	LogID             uint64 `gorm:"column:log_id;not null;uniqueIndex:idx_entries_position,priority:2"`
	SeqNum            uint64 `gorm:"column:seq_num;not null;uniqueIndex:idx_entries_position,priority:3"`
	SchemaID          string `gorm:"column:schema_id;size:132;not null;index:idx_entries_schema"`
	EntryBytes        string `gorm:"column:entry_bytes;type:text;not null"`
	PayloadBytes      string `gorm:"column:payload_bytes;type:text;not null"`
	PayloadHash       string `gorm:"column:payload_hash;size:132;not null"`
	InsertedAtSeconds int64  `gorm:"column:inserted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// MaterializationTask is a durable queue item referencing an entry that has
// not been applied to its projection yet.
type MaterializationTask struct {
	EntryHash         string `gorm:"column:entry_hash;primaryKey;size:132;not null"`
	EntryID           int64  `gorm:"column:entry_id;not null;index:idx_materialization_tasks_order"`
	Author            string `gorm:"column:author;size:64;not null"`
	LogID             uint64 `gorm:"column:log_id;not null"`
	SeqNum            uint64 `gorm:"column:seq_num;not null"`
	Attempts          int    `gorm:"column:attempts;not null;default:0"`
	LastError         string `gorm:"column:last_error;type:text;not null;default:''"`
	EnqueuedAtSeconds int64  `gorm:"column:enqueued_at_s;not null"`
	// NextAttemptAtSeconds holds a deferred task back until the given time.
	NextAttemptAtSeconds int64 `gorm:"column:next_attempt_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MaterializationTask) TableName() string {
	return "materialization_tasks"
}

// Models lists every table owned by the store for schema migration.
func Models() []any {
	return []any{&Log{}, &Entry{}, &MaterializationTask{}}
}
