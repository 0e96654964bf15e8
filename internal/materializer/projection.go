package materializer

import (
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/p2panda/node/internal/message"
	"github.com/p2panda/node/internal/schema"
)

const (
	// postgresIdentifierLimit is the longest identifier Postgres keeps.
	postgresIdentifierLimit = 63

	columnID      = "id"
	columnAuthor  = "author"
	columnSeqNum  = "seq_num"
	columnDeleted = "deleted"
)

// projection names the table holding the current state of one schema.
type projection struct {
	schema schema.Resolved
	table  string
}

func newProjection(db *gorm.DB, resolved schema.Resolved) projection {
	table := resolved.ID.String()
	if db.Dialector.Name() == "postgres" && len(table) > postgresIdentifierLimit {
		table = table[:postgresIdentifierLimit]
	}
	return projection{schema: resolved, table: table}
}

func columnType(kind message.Kind) string {
	switch kind {
	case message.KindInteger:
		return "BIGINT"
	case message.KindFloat:
		return "DOUBLE PRECISION"
	case message.KindBoolean:
		return "BOOLEAN"
	case message.KindRelation:
		return "VARCHAR(132)"
	default:
		return "TEXT"
	}
}

func (p projection) createStatement(db *gorm.DB) string {
	quote := db.Statement.Quote
	columns := []string{
		quote(columnID) + " VARCHAR(132) NOT NULL PRIMARY KEY",
		quote(columnAuthor) + " VARCHAR(64) NOT NULL",
	}
	for _, field := range p.schema.Definition.Fields {
		columns = append(columns, quote(field.Name)+" "+columnType(field.Kind))
	}
	columns = append(columns,
		quote(columnSeqNum)+" BIGINT NOT NULL",
		quote(columnDeleted)+" BOOLEAN NOT NULL DEFAULT FALSE",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(p.table), strings.Join(columns, ", "))
}

func (p projection) dropStatement(db *gorm.DB) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", db.Statement.Quote(p.table))
}

// ensuredTables remembers which projection tables exist in this process.
type ensuredTables struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

func (e *ensuredTables) ensure(db *gorm.DB, p projection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tables == nil {
		e.tables = make(map[string]struct{})
	}
	if _, ok := e.tables[p.table]; ok {
		return nil
	}
	if err := db.Exec(p.createStatement(db)).Error; err != nil {
		return err
	}
	e.tables[p.table] = struct{}{}
	return nil
}

// exists reports whether the projection table has been created. It never
// creates one.
func (e *ensuredTables) exists(db *gorm.DB, p projection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[p.table]; ok {
		return true
	}
	if !db.Migrator().HasTable(p.table) {
		return false
	}
	if e.tables == nil {
		e.tables = make(map[string]struct{})
	}
	e.tables[p.table] = struct{}{}
	return true
}

func (e *ensuredTables) drop(db *gorm.DB, p projection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := db.Exec(p.dropStatement(db)).Error; err != nil {
		return err
	}
	delete(e.tables, p.table)
	return nil
}
