package message

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/p2panda/node/internal/bamboo"
)

// Action enumerates the operations a message performs on a record.
type Action string

const (
	// ActionCreate introduces a new record.
	ActionCreate Action = "create"
	// ActionUpdate overwrites fields of an existing record.
	ActionUpdate Action = "update"
	// ActionDelete removes an existing record.
	ActionDelete Action = "delete"
)

// Kind enumerates the supported field value kinds.
type Kind string

const (
	KindText     Kind = "str"
	KindInteger  Kind = "int"
	KindFloat    Kind = "float"
	KindBoolean  Kind = "bool"
	KindRelation Kind = "relation"
)

const messageVersion = 1

var (
	// ErrInvalidMessage indicates that a message violates the action rules.
	ErrInvalidMessage = errors.New("message: invalid message")
	// ErrInvalidField indicates that a field name or value is unusable.
	ErrInvalidField = errors.New("message: invalid field")
	// ErrMalformedMessage indicates that encoded message bytes cannot be decoded.
	ErrMalformedMessage = errors.New("message: malformed message")
)

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return Action(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, raw)
	}
}

// ParseKind validates a raw kind name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindText, KindInteger, KindFloat, KindBoolean, KindRelation:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidField, raw)
	}
}

// Value is one typed field value.
type Value struct {
	kind     Kind
	text     string
	integer  int64
	float    float64
	boolean  bool
	relation bamboo.Hash
}

// TextValue wraps a string.
func TextValue(value string) Value {
	return Value{kind: KindText, text: value}
}

// IntegerValue wraps a signed integer.
func IntegerValue(value int64) Value {
	return Value{kind: KindInteger, integer: value}
}

// FloatValue wraps a float.
func FloatValue(value float64) Value {
	return Value{kind: KindFloat, float: value}
}

// BooleanValue wraps a boolean.
func BooleanValue(value bool) Value {
	return Value{kind: KindBoolean, boolean: value}
}

// RelationValue references another record by its id.
func RelationValue(value bamboo.Hash) Value {
	return Value{kind: KindRelation, relation: value}
}

// Kind returns the value kind.
func (v Value) Kind() Kind {
	return v.kind
}

// Interface returns the value as a plain Go value: string, int64, float64,
// bool, or the hex string of a relation.
func (v Value) Interface() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindInteger:
		return v.integer
	case KindFloat:
		return v.float
	case KindBoolean:
		return v.boolean
	case KindRelation:
		return v.relation.String()
	default:
		return nil
	}
}

func (v Value) validate() error {
	if _, err := ParseKind(string(v.kind)); err != nil {
		return err
	}
	if v.kind == KindFloat && (math.IsNaN(v.float) || math.IsInf(v.float, 0)) {
		return fmt.Errorf("%w: float must be finite", ErrInvalidField)
	}
	if v.kind == KindRelation && v.relation.IsZero() {
		return fmt.Errorf("%w: empty relation", ErrInvalidField)
	}
	return nil
}

// Fields maps field names to values.
type Fields map[string]Value

// Names returns the field names in lexical order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Message is the logical operation carried by an entry.
type Message struct {
	action Action
	schema bamboo.Hash
	id     *bamboo.Hash
	fields Fields
}

// NewCreate builds a create message. Create messages never carry an id.
func NewCreate(schema bamboo.Hash, fields Fields) (Message, error) {
	return newMessage(ActionCreate, schema, nil, fields)
}

// NewUpdate builds an update message targeting the record with the given id.
func NewUpdate(schema bamboo.Hash, id bamboo.Hash, fields Fields) (Message, error) {
	return newMessage(ActionUpdate, schema, &id, fields)
}

// NewDelete builds a delete message targeting the record with the given id.
func NewDelete(schema bamboo.Hash, id bamboo.Hash) (Message, error) {
	return newMessage(ActionDelete, schema, &id, nil)
}

func newMessage(action Action, schema bamboo.Hash, id *bamboo.Hash, fields Fields) (Message, error) {
	msg := Message{action: action, schema: schema, id: id, fields: fields}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	if _, err := ParseAction(string(m.action)); err != nil {
		return err
	}
	if m.schema.IsZero() {
		return fmt.Errorf("%w: missing schema", ErrInvalidMessage)
	}
	switch m.action {
	case ActionCreate:
		if m.id != nil {
			return fmt.Errorf("%w: create message cannot carry an id", ErrInvalidMessage)
		}
		if len(m.fields) == 0 {
			return fmt.Errorf("%w: create message requires fields", ErrInvalidMessage)
		}
	case ActionUpdate:
		if m.id == nil {
			return fmt.Errorf("%w: update message requires an id", ErrInvalidMessage)
		}
		if len(m.fields) == 0 {
			return fmt.Errorf("%w: update message requires fields", ErrInvalidMessage)
		}
	case ActionDelete:
		if m.id == nil {
			return fmt.Errorf("%w: delete message requires an id", ErrInvalidMessage)
		}
		if len(m.fields) != 0 {
			return fmt.Errorf("%w: delete message cannot carry fields", ErrInvalidMessage)
		}
	}
	for name, value := range m.fields {
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidField)
		}
		if err := value.validate(); err != nil {
			return fmt.Errorf("%w (field %q)", err, name)
		}
	}
	return nil
}

// Action returns the message action.
func (m Message) Action() Action {
	return m.action
}

// Schema returns the schema the message targets.
func (m Message) Schema() bamboo.Hash {
	return m.schema
}

// ID returns the target record id; absent for create messages.
func (m Message) ID() (bamboo.Hash, bool) {
	if m.id == nil {
		return bamboo.Hash{}, false
	}
	return *m.id, true
}

// Fields returns a copy of the field mapping.
func (m Message) Fields() Fields {
	copied := make(Fields, len(m.fields))
	for name, value := range m.fields {
		copied[name] = value
	}
	return copied
}
