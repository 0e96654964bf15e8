// Package pandatest builds signed logs and messages for tests.
package pandatest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/message"
)

// Author signs entries with a freshly generated key.
type Author struct {
	key ed25519.PrivateKey
}

// NewAuthor generates a signing key.
func NewAuthor(t testing.TB) *Author {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Author{key: key}
}

// ID returns the author's public key.
func (a *Author) ID() bamboo.Author {
	author, _ := bamboo.AuthorFromPublicKey(a.key.Public().(ed25519.PublicKey))
	return author
}

// Sign builds and signs an entry with explicit links.
func (a *Author) Sign(t testing.TB, cfg bamboo.EntryConfig) bamboo.SignedEntry {
	t.Helper()
	entry, err := bamboo.NewEntry(cfg)
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}
	signed, err := bamboo.Sign(entry, a.key)
	if err != nil {
		t.Fatalf("sign entry: %v", err)
	}
	return signed
}

// Log appends correctly linked entries to one log.
type Log struct {
	author  *Author
	logID   bamboo.LogID
	entries []bamboo.SignedEntry
}

// Log starts a log with the given id.
func (a *Author) Log(logID bamboo.LogID) *Log {
	return &Log{author: a, logID: logID}
}

// Append signs the next entry carrying payload.
func (l *Log) Append(t testing.TB, payload []byte) bamboo.SignedEntry {
	t.Helper()
	seqNum := bamboo.SeqNum(len(l.entries) + 1)
	cfg := bamboo.EntryConfig{LogID: l.logID, SeqNum: seqNum, Payload: payload}
	if backlink, ok := seqNum.Backlink(); ok {
		cfg.Backlink = l.At(backlink).Hash().Ptr()
	}
	if seqNum.HasSkiplink() {
		skiplink, _ := seqNum.Skiplink()
		cfg.Skiplink = l.At(skiplink).Hash().Ptr()
	}
	signed := l.author.Sign(t, cfg)
	l.entries = append(l.entries, signed)
	return signed
}

// At returns the entry at seqNum.
func (l *Log) At(seqNum bamboo.SeqNum) bamboo.SignedEntry {
	return l.entries[seqNum-1]
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	return len(l.entries)
}

// Encode encodes msg or fails the test.
func Encode(t testing.TB, msg message.Message, err error) message.Encoded {
	t.Helper()
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	encoded, err := message.Encode(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return encoded
}

// Create encodes a create message.
func Create(t testing.TB, schema bamboo.Hash, fields message.Fields) message.Encoded {
	t.Helper()
	msg, err := message.NewCreate(schema, fields)
	return Encode(t, msg, err)
}

// Update encodes an update message.
func Update(t testing.TB, schema, id bamboo.Hash, fields message.Fields) message.Encoded {
	t.Helper()
	msg, err := message.NewUpdate(schema, id, fields)
	return Encode(t, msg, err)
}

// Delete encodes a delete message.
func Delete(t testing.TB, schema, id bamboo.Hash) message.Encoded {
	t.Helper()
	msg, err := message.NewDelete(schema, id)
	return Encode(t, msg, err)
}

// OpenDatabase opens a private in-memory SQLite database and migrates models.
func OpenDatabase(t testing.TB, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:panda_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate: %v", err)
		}
	}
	return db
}
