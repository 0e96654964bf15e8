package materializer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/message"
)

// Document is the current state of one record.
type Document struct {
	ID     string         `json:"id"`
	Author string         `json:"author"`
	SeqNum uint64         `json:"seqNum"`
	Fields map[string]any `json:"fields"`
}

// Get returns the live record with the given id.
func (m *Materializer) Get(ctx context.Context, schemaID, id bamboo.Hash) (Document, error) {
	target, db, found, err := m.readTarget(ctx, schemaID)
	if err != nil {
		return Document{}, err
	}
	if !found {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	row := map[string]any{}
	err = db.Table(target.table).Where(queryLiveRecord, id.String(), false).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return Document{}, err
	}
	return toDocument(target, row), nil
}

// List returns every live record of the schema ordered by id.
func (m *Materializer) List(ctx context.Context, schemaID bamboo.Hash) ([]Document, error) {
	target, db, found, err := m.readTarget(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []Document{}, nil
	}
	var rows []map[string]any
	if err := db.Table(target.table).Where(columnDeleted+" = ?", false).Order(orderRecordIDAsc).Find(&rows).Error; err != nil {
		return nil, err
	}
	documents := make([]Document, 0, len(rows))
	for _, row := range rows {
		documents = append(documents, toDocument(target, row))
	}
	return documents, nil
}

// readTarget resolves the projection of a read. A schema that never had an
// event applied has no table yet.
func (m *Materializer) readTarget(ctx context.Context, schemaID bamboo.Hash) (projection, *gorm.DB, bool, error) {
	target, err := m.projectionFor(ctx, schemaID)
	if err != nil {
		return projection{}, nil, false, err
	}
	db := m.db.WithContext(ctx)
	return target, db, m.tables.exists(db, target), nil
}

func toDocument(target projection, row map[string]any) Document {
	document := Document{
		ID:     asString(row[columnID]),
		Author: asString(row[columnAuthor]),
		SeqNum: uint64(asInteger(row[columnSeqNum])),
		Fields: make(map[string]any, len(target.schema.Definition.Fields)),
	}
	for _, field := range target.schema.Definition.Fields {
		value, ok := row[field.Name]
		if !ok || value == nil {
			continue
		}
		document.Fields[field.Name] = normalizeValue(field.Kind, value)
	}
	return document
}

// normalizeValue maps driver specific column values back to field kinds.
func normalizeValue(kind message.Kind, value any) any {
	switch kind {
	case message.KindInteger:
		return asInteger(value)
	case message.KindFloat:
		switch typed := value.(type) {
		case float64:
			return typed
		case float32:
			return float64(typed)
		default:
			return float64(asInteger(value))
		}
	case message.KindBoolean:
		switch typed := value.(type) {
		case bool:
			return typed
		default:
			return asInteger(value) != 0
		}
	default:
		return asString(value)
	}
}

func asString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}

func asInteger(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int32:
		return int64(typed)
	case int:
		return int64(typed)
	case uint64:
		return int64(typed)
	case float64:
		return int64(typed)
	case bool:
		if typed {
			return 1
		}
		return 0
	case []byte:
		parsed, _ := strconv.ParseInt(string(typed), 10, 64)
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(typed, 10, 64)
		return parsed
	default:
		return 0
	}
}
