package bamboo

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	tagDefault    byte = 0x00
	signatureSize      = ed25519.SignatureSize
)

var (
	// ErrMalformedEntry indicates that encoded entry bytes cannot be decoded.
	ErrMalformedEntry = errors.New("bamboo: malformed entry")
	// ErrUnexpectedLink indicates that an entry carries a link its position does not allow.
	ErrUnexpectedLink = errors.New("bamboo: unexpected link")
	// ErrMissingLink indicates that an entry lacks a link its position requires.
	ErrMissingLink = errors.New("bamboo: missing link")
	// ErrInvalidSigningKey indicates that a private key cannot sign entries.
	ErrInvalidSigningKey = errors.New("bamboo: invalid signing key")
)

// Entry is the unsigned envelope of one log position.
type Entry struct {
	LogID       LogID
	SeqNum      SeqNum
	Backlink    *Hash
	Skiplink    *Hash
	PayloadHash Hash
	PayloadSize uint64
}

// EntryConfig describes the inputs required to build an Entry.
type EntryConfig struct {
	LogID    LogID
	SeqNum   SeqNum
	Backlink *Hash
	Skiplink *Hash
	Payload  []byte
}

// NewEntry validates link presence against the position and returns an Entry.
func NewEntry(cfg EntryConfig) (Entry, error) {
	entry := Entry{
		LogID:       cfg.LogID,
		SeqNum:      cfg.SeqNum,
		Backlink:    cfg.Backlink,
		Skiplink:    cfg.Skiplink,
		PayloadHash: HashBytes(cfg.Payload),
		PayloadSize: uint64(len(cfg.Payload)),
	}
	if err := entry.validateLinks(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (e Entry) validateLinks() error {
	if e.SeqNum == 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSeqNum, e.SeqNum)
	}
	if e.SeqNum.IsFirst() {
		if e.Backlink != nil {
			return fmt.Errorf("%w: backlink on first entry", ErrUnexpectedLink)
		}
		if e.Skiplink != nil {
			return fmt.Errorf("%w: skiplink on first entry", ErrUnexpectedLink)
		}
		return nil
	}
	if e.Backlink == nil {
		return fmt.Errorf("%w: backlink required at seq num %d", ErrMissingLink, e.SeqNum)
	}
	if e.SeqNum.HasSkiplink() && e.Skiplink == nil {
		return fmt.Errorf("%w: skiplink required at seq num %d", ErrMissingLink, e.SeqNum)
	}
	if !e.SeqNum.HasSkiplink() && e.Skiplink != nil {
		return fmt.Errorf("%w: skiplink equals backlink at seq num %d", ErrUnexpectedLink, e.SeqNum)
	}
	return nil
}

// SignedEntry is an entry together with its author, signature and canonical bytes.
type SignedEntry struct {
	Entry
	Author    Author
	Signature [signatureSize]byte
	encoded   []byte
	hash      Hash
}

// Sign encodes the entry for the key's author and signs it.
func Sign(entry Entry, key ed25519.PrivateKey) (SignedEntry, error) {
	if len(key) != ed25519.PrivateKeySize {
		return SignedEntry{}, ErrInvalidSigningKey
	}
	if err := entry.validateLinks(); err != nil {
		return SignedEntry{}, err
	}
	author, err := AuthorFromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return SignedEntry{}, err
	}
	unsigned := encodeUnsigned(author, entry)
	signature := ed25519.Sign(key, unsigned)

	encoded := make([]byte, 0, len(unsigned)+signatureSize)
	encoded = append(encoded, unsigned...)
	encoded = append(encoded, signature...)

	signed := SignedEntry{
		Entry:   entry,
		Author:  author,
		encoded: encoded,
		hash:    HashBytes(encoded),
	}
	copy(signed.Signature[:], signature)
	return signed, nil
}

func encodeUnsigned(author Author, entry Entry) []byte {
	buffer := make([]byte, 0, 1+HashSize*3+AuthorSize+3*binary.MaxVarintLen64)
	buffer = append(buffer, tagDefault)
	buffer = append(buffer, entry.PayloadHash[:]...)
	buffer = binary.AppendUvarint(buffer, entry.PayloadSize)
	buffer = append(buffer, author[:]...)
	buffer = binary.AppendUvarint(buffer, entry.LogID.Uint64())
	buffer = binary.AppendUvarint(buffer, entry.SeqNum.Uint64())
	if entry.Skiplink != nil {
		buffer = append(buffer, entry.Skiplink[:]...)
	}
	if entry.Backlink != nil {
		buffer = append(buffer, entry.Backlink[:]...)
	}
	return buffer
}

// DecodeEntry parses canonical entry bytes. The signature is not verified.
func DecodeEntry(raw []byte) (SignedEntry, error) {
	reader := entryReader{data: raw}

	tag, err := reader.byte()
	if err != nil {
		return SignedEntry{}, err
	}
	if tag != tagDefault {
		return SignedEntry{}, fmt.Errorf("%w: unsupported tag %#x", ErrMalformedEntry, tag)
	}

	var entry Entry
	if entry.PayloadHash, err = reader.hash(); err != nil {
		return SignedEntry{}, err
	}
	if entry.PayloadSize, err = reader.uvarint(); err != nil {
		return SignedEntry{}, err
	}
	authorBytes, err := reader.take(AuthorSize)
	if err != nil {
		return SignedEntry{}, err
	}
	var author Author
	copy(author[:], authorBytes)

	logID, err := reader.uvarint()
	if err != nil {
		return SignedEntry{}, err
	}
	entry.LogID = LogID(logID)

	seqNum, err := reader.uvarint()
	if err != nil {
		return SignedEntry{}, err
	}
	if entry.SeqNum, err = NewSeqNum(seqNum); err != nil {
		return SignedEntry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	if entry.SeqNum.HasSkiplink() {
		skiplink, err := reader.hash()
		if err != nil {
			return SignedEntry{}, err
		}
		entry.Skiplink = &skiplink
	}
	if !entry.SeqNum.IsFirst() {
		backlink, err := reader.hash()
		if err != nil {
			return SignedEntry{}, err
		}
		entry.Backlink = &backlink
	}

	signature, err := reader.take(signatureSize)
	if err != nil {
		return SignedEntry{}, err
	}
	if reader.remaining() != 0 {
		return SignedEntry{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedEntry, reader.remaining())
	}

	encoded := append([]byte(nil), raw...)
	signed := SignedEntry{
		Entry:   entry,
		Author:  author,
		encoded: encoded,
		hash:    HashBytes(encoded),
	}
	copy(signed.Signature[:], signature)
	return signed, nil
}

// DecodeEntryHex parses a hex encoded entry.
func DecodeEntryHex(rawInput string) (SignedEntry, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return SignedEntry{}, fmt.Errorf("%w: empty", ErrMalformedEntry)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return SignedEntry{}, fmt.Errorf("%w: invalid hex", ErrMalformedEntry)
	}
	return DecodeEntry(raw)
}

// Bytes returns a copy of the canonical encoding.
func (e SignedEntry) Bytes() []byte {
	return append([]byte(nil), e.encoded...)
}

// Hex returns the canonical encoding as lowercase hex.
func (e SignedEntry) Hex() string {
	return hex.EncodeToString(e.encoded)
}

// Hash returns the content address of the encoded entry.
func (e SignedEntry) Hash() Hash {
	return e.hash
}

// VerifySignature checks the signature against the claimed author.
func (e SignedEntry) VerifySignature() error {
	if len(e.encoded) < signatureSize {
		return fmt.Errorf("%w: entry not encoded", ErrMalformedEntry)
	}
	unsigned := e.encoded[:len(e.encoded)-signatureSize]
	if !ed25519.Verify(e.Author.PublicKey(), unsigned, e.Signature[:]) {
		return ErrInvalidSignature
	}
	return nil
}

type entryReader struct {
	data   []byte
	offset int
}

func (r *entryReader) remaining() int {
	return len(r.data) - r.offset
}

func (r *entryReader) take(size int) ([]byte, error) {
	if r.remaining() < size {
		return nil, fmt.Errorf("%w: unexpected end at offset %d", ErrMalformedEntry, r.offset)
	}
	chunk := r.data[r.offset : r.offset+size]
	r.offset += size
	return chunk, nil
}

func (r *entryReader) byte() (byte, error) {
	chunk, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return chunk[0], nil
}

func (r *entryReader) hash() (Hash, error) {
	chunk, err := r.take(HashSize)
	if err != nil {
		return Hash{}, err
	}
	hash, err := hashFromBytes(chunk)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return hash, nil
}

// uvarint rejects non-minimal encodings so every entry has exactly one byte form.
func (r *entryReader) uvarint() (uint64, error) {
	value, size := binary.Uvarint(r.data[r.offset:])
	if size <= 0 {
		return 0, fmt.Errorf("%w: invalid varint at offset %d", ErrMalformedEntry, r.offset)
	}
	if size != len(binary.AppendUvarint(nil, value)) {
		return 0, fmt.Errorf("%w: non-canonical varint at offset %d", ErrMalformedEntry, r.offset)
	}
	r.offset += size
	return value, nil
}
