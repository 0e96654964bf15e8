package message

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/p2panda/node/internal/bamboo"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type wireMessage struct {
	Action  string               `cbor:"action"`
	Schema  string               `cbor:"schema"`
	Version uint64               `cbor:"version"`
	ID      string               `cbor:"id,omitempty"`
	Fields  map[string]wireValue `cbor:"fields,omitempty"`
}

type wireValue struct {
	Type  string          `cbor:"type"`
	Value cbor.RawMessage `cbor:"value"`
}

// Encoded is a message together with its canonical bytes.
type Encoded struct {
	Message Message
	bytes   []byte
}

// Bytes returns a copy of the encoded message.
func (e Encoded) Bytes() []byte {
	return append([]byte(nil), e.bytes...)
}

// Hex returns the encoded message as lowercase hex.
func (e Encoded) Hex() string {
	return hex.EncodeToString(e.bytes)
}

// Hash returns the content address of the encoded message.
func (e Encoded) Hash() bamboo.Hash {
	return bamboo.HashBytes(e.bytes)
}

// Encode serializes the message into deterministic CBOR.
func Encode(msg Message) (Encoded, error) {
	if err := msg.validate(); err != nil {
		return Encoded{}, err
	}
	wire := wireMessage{
		Action:  string(msg.action),
		Schema:  msg.schema.String(),
		Version: messageVersion,
	}
	if msg.id != nil {
		wire.ID = msg.id.String()
	}
	if len(msg.fields) > 0 {
		wire.Fields = make(map[string]wireValue, len(msg.fields))
		for name, value := range msg.fields {
			raw, err := encMode.Marshal(value.Interface())
			if err != nil {
				return Encoded{}, fmt.Errorf("%w: field %q: %v", ErrInvalidField, name, err)
			}
			wire.Fields[name] = wireValue{Type: string(value.kind), Value: raw}
		}
	}
	encoded, err := encMode.Marshal(wire)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Message: msg, bytes: encoded}, nil
}

// Decode parses CBOR message bytes and validates the result.
func Decode(raw []byte) (Encoded, error) {
	var wire wireMessage
	if err := decMode.Unmarshal(raw, &wire); err != nil {
		return Encoded{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if wire.Version != messageVersion {
		return Encoded{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, wire.Version)
	}
	action, err := ParseAction(wire.Action)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	schema, err := bamboo.NewHash(wire.Schema)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: schema: %v", ErrMalformedMessage, err)
	}

	msg := Message{action: action, schema: schema}
	if wire.ID != "" {
		id, err := bamboo.NewHash(wire.ID)
		if err != nil {
			return Encoded{}, fmt.Errorf("%w: id: %v", ErrMalformedMessage, err)
		}
		msg.id = &id
	}
	if len(wire.Fields) > 0 {
		msg.fields = make(Fields, len(wire.Fields))
		for name, field := range wire.Fields {
			value, err := decodeValue(field)
			if err != nil {
				return Encoded{}, fmt.Errorf("%w: field %q: %v", ErrMalformedMessage, name, err)
			}
			msg.fields[name] = value
		}
	}
	if err := msg.validate(); err != nil {
		return Encoded{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return Encoded{Message: msg, bytes: append([]byte(nil), raw...)}, nil
}

// DecodeHex parses a hex encoded message.
func DecodeHex(rawInput string) (Encoded, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Encoded{}, fmt.Errorf("%w: empty", ErrMalformedMessage)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: invalid hex", ErrMalformedMessage)
	}
	return Decode(raw)
}

func decodeValue(field wireValue) (Value, error) {
	kind, err := ParseKind(field.Type)
	if err != nil {
		return Value{}, err
	}
	switch kind {
	case KindText:
		var text string
		if err := decMode.Unmarshal(field.Value, &text); err != nil {
			return Value{}, err
		}
		return TextValue(text), nil
	case KindInteger:
		var integer int64
		if err := decMode.Unmarshal(field.Value, &integer); err != nil {
			return Value{}, err
		}
		return IntegerValue(integer), nil
	case KindFloat:
		var float float64
		if err := decMode.Unmarshal(field.Value, &float); err != nil {
			return Value{}, err
		}
		return FloatValue(float), nil
	case KindBoolean:
		var boolean bool
		if err := decMode.Unmarshal(field.Value, &boolean); err != nil {
			return Value{}, err
		}
		return BooleanValue(boolean), nil
	default:
		var relation string
		if err := decMode.Unmarshal(field.Value, &relation); err != nil {
			return Value{}, err
		}
		hash, err := bamboo.NewHash(relation)
		if err != nil {
			return Value{}, err
		}
		return RelationValue(hash), nil
	}
}
