package schema

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/message"
)

const maxNameLength = 63

var (
	// ErrInvalidDefinition indicates that a schema definition cannot be registered.
	ErrInvalidDefinition = errors.New("schema: invalid definition")
	// ErrUnknownSchema indicates that no definition is registered under an id.
	ErrUnknownSchema = errors.New("schema: unknown schema")
	// ErrMessageMismatch indicates that a message does not fit its schema.
	ErrMessageMismatch = errors.New("schema: message does not match schema")

	fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	reservedFields   = map[string]struct{}{
		"id":      {},
		"author":  {},
		"seq_num": {},
		"deleted": {},
	}
	definitionEncMode cbor.EncMode
)

func init() {
	var err error
	definitionEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// FieldDefinition declares one field of a schema.
type FieldDefinition struct {
	Name     string       `cbor:"name" json:"name" mapstructure:"name" yaml:"name"`
	Kind     message.Kind `cbor:"type" json:"type" mapstructure:"type" yaml:"type"`
	Required bool         `cbor:"required" json:"required" mapstructure:"required" yaml:"required"`
}

// Definition describes the shape of the records of one schema.
type Definition struct {
	Name        string            `cbor:"name" json:"name" mapstructure:"name" yaml:"name"`
	Description string            `cbor:"description" json:"description" mapstructure:"description" yaml:"description"`
	Fields      []FieldDefinition `cbor:"fields" json:"fields" mapstructure:"fields" yaml:"fields"`
}

// Normalize validates the definition and returns it with trimmed names and
// fields sorted by name.
func (d Definition) Normalize() (Definition, error) {
	normalized := Definition{
		Name:        strings.TrimSpace(d.Name),
		Description: strings.TrimSpace(d.Description),
		Fields:      make([]FieldDefinition, 0, len(d.Fields)),
	}
	if normalized.Name == "" {
		return Definition{}, fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(d.Fields) == 0 {
		return Definition{}, fmt.Errorf("%w: no fields", ErrInvalidDefinition)
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, field := range d.Fields {
		name := strings.TrimSpace(field.Name)
		if len(name) > maxNameLength || !fieldNamePattern.MatchString(name) {
			return Definition{}, fmt.Errorf("%w: field name %q", ErrInvalidDefinition, field.Name)
		}
		if _, reserved := reservedFields[name]; reserved {
			return Definition{}, fmt.Errorf("%w: field name %q is reserved", ErrInvalidDefinition, name)
		}
		if _, duplicate := seen[name]; duplicate {
			return Definition{}, fmt.Errorf("%w: duplicate field %q", ErrInvalidDefinition, name)
		}
		kind, err := message.ParseKind(string(field.Kind))
		if err != nil {
			return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		seen[name] = struct{}{}
		normalized.Fields = append(normalized.Fields, FieldDefinition{Name: name, Kind: kind, Required: field.Required})
	}
	sort.Slice(normalized.Fields, func(i, j int) bool {
		return normalized.Fields[i].Name < normalized.Fields[j].Name
	})
	return normalized, nil
}

// Encode returns the canonical encoding the schema id is derived from.
func (d Definition) Encode() ([]byte, error) {
	normalized, err := d.Normalize()
	if err != nil {
		return nil, err
	}
	return definitionEncMode.Marshal(normalized)
}

// ID returns the content address of the definition.
func (d Definition) ID() (bamboo.Hash, error) {
	encoded, err := d.Encode()
	if err != nil {
		return bamboo.Hash{}, err
	}
	return bamboo.HashBytes(encoded), nil
}

// Resolved is a registered definition together with its id.
type Resolved struct {
	ID         bamboo.Hash
	Definition Definition
}

// Field returns the named field definition.
func (r Resolved) Field(name string) (FieldDefinition, bool) {
	for _, field := range r.Definition.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// Check verifies that msg targets this schema and that its fields are
// declared with matching kinds. Creates must carry every required field.
func (r Resolved) Check(msg message.Message) error {
	if msg.Schema() != r.ID {
		return fmt.Errorf("%w: message targets schema %s", ErrMessageMismatch, msg.Schema())
	}
	fields := msg.Fields()
	for _, name := range fields.Names() {
		declared, ok := r.Field(name)
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrMessageMismatch, name)
		}
		if kind := fields[name].Kind(); kind != declared.Kind {
			return fmt.Errorf("%w: field %q is %s, expected %s", ErrMessageMismatch, name, kind, declared.Kind)
		}
	}
	if msg.Action() != message.ActionCreate {
		return nil
	}
	for _, declared := range r.Definition.Fields {
		if _, ok := fields[declared.Name]; declared.Required && !ok {
			return fmt.Errorf("%w: missing required field %q", ErrMessageMismatch, declared.Name)
		}
	}
	return nil
}
