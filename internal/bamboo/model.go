package bamboo

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	hashHeaderSize = 2
	// HashSize is the length in bytes of an encoded YAMF hash.
	HashSize = hashHeaderSize + blake2b.Size
	// HashHexLength is the length of a hex encoded hash.
	HashHexLength = HashSize * 2
	// AuthorSize is the length in bytes of an author public key.
	AuthorSize = ed25519.PublicKeySize
	// AuthorHexLength is the length of a hex encoded author.
	AuthorHexLength = AuthorSize * 2
)

// YAMF header: hash type 0 (blake2b), digest length 64.
var hashHeader = [hashHeaderSize]byte{0x00, 0x40}

var (
	// ErrInvalidHash indicates that a hash is empty, not hex or has the wrong header or length.
	ErrInvalidHash = errors.New("bamboo: invalid hash")
	// ErrInvalidAuthor indicates that an author public key is malformed.
	ErrInvalidAuthor = errors.New("bamboo: invalid author")
	// ErrInvalidSeqNum indicates that a sequence number is zero.
	ErrInvalidSeqNum = errors.New("bamboo: invalid seq num")
)

// Hash is a content address: a YAMF header followed by a blake2b-512 digest.
type Hash [HashSize]byte

// HashBytes returns the content address of the given bytes.
func HashBytes(data []byte) Hash {
	digest := blake2b.Sum512(data)
	var hash Hash
	copy(hash[:hashHeaderSize], hashHeader[:])
	copy(hash[hashHeaderSize:], digest[:])
	return hash
}

// NewHash parses a hex encoded hash.
func NewHash(rawInput string) (Hash, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Hash{}, fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if len(trimmed) != HashHexLength {
		return Hash{}, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidHash, HashHexLength, len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: invalid hex", ErrInvalidHash)
	}
	return hashFromBytes(decoded)
}

func hashFromBytes(raw []byte) (Hash, error) {
	if len(raw) != HashSize {
		return Hash{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHash, HashSize, len(raw))
	}
	if raw[0] != hashHeader[0] || raw[1] != hashHeader[1] {
		return Hash{}, fmt.Errorf("%w: unsupported header %x", ErrInvalidHash, raw[:hashHeaderSize])
	}
	var hash Hash
	copy(hash[:], raw)
	return hash, nil
}

// String returns the lowercase hex representation.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Ptr returns a pointer to a copy of the hash, for optional link fields.
func (h Hash) Ptr() *Hash {
	copied := h
	return &copied
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := NewHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Author identifies a log owner by its ed25519 public key.
type Author [AuthorSize]byte

// NewAuthor parses a hex encoded public key.
func NewAuthor(rawInput string) (Author, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != AuthorHexLength {
		return Author{}, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidAuthor, AuthorHexLength, len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Author{}, fmt.Errorf("%w: invalid hex", ErrInvalidAuthor)
	}
	var author Author
	copy(author[:], decoded)
	return author, nil
}

// AuthorFromPublicKey converts an ed25519 public key.
func AuthorFromPublicKey(key ed25519.PublicKey) (Author, error) {
	if len(key) != AuthorSize {
		return Author{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAuthor, AuthorSize, len(key))
	}
	var author Author
	copy(author[:], key)
	return author, nil
}

// String returns the lowercase hex representation.
func (a Author) String() string {
	return hex.EncodeToString(a[:])
}

// PublicKey exposes the author as an ed25519 public key.
func (a Author) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Author) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Author) UnmarshalText(text []byte) error {
	parsed, err := NewAuthor(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SeqNum is the 1-based position of an entry within its log.
type SeqNum uint64

// FirstSeqNum is the position of the first entry of every log.
const FirstSeqNum SeqNum = 1

// NewSeqNum validates the value and returns a SeqNum.
func NewSeqNum(value uint64) (SeqNum, error) {
	if value == 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSeqNum, value)
	}
	return SeqNum(value), nil
}

// IsFirst reports whether this is the first position of a log.
func (s SeqNum) IsFirst() bool {
	return s == FirstSeqNum
}

// Next returns the following position.
func (s SeqNum) Next() SeqNum {
	return s + 1
}

// Backlink returns the position the backlink of this entry points at.
func (s SeqNum) Backlink() (SeqNum, bool) {
	if s <= FirstSeqNum {
		return 0, false
	}
	return s - 1, true
}

// Skiplink returns the lipmaa position the skiplink of this entry points at.
func (s SeqNum) Skiplink() (SeqNum, bool) {
	if s <= FirstSeqNum {
		return 0, false
	}
	return SeqNum(Lipmaa(uint64(s))), true
}

// HasSkiplink reports whether an entry at this position carries its own skiplink.
// When the lipmaa position equals the backlink position the link is omitted.
func (s SeqNum) HasSkiplink() bool {
	if s <= FirstSeqNum {
		return false
	}
	return Lipmaa(uint64(s)) != uint64(s)-1
}

// Uint64 returns the raw value.
func (s SeqNum) Uint64() uint64 {
	return uint64(s)
}

// LogID namespaces one log of an author.
type LogID uint64

// Uint64 returns the raw value.
func (l LogID) Uint64() uint64 {
	return uint64(l)
}
