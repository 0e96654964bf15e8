package bamboo

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature indicates that the signature does not match the claimed author.
	ErrInvalidSignature = errors.New("bamboo: invalid signature")
	// ErrPayloadMismatch indicates that the payload does not hash to the claimed payload hash or size.
	ErrPayloadMismatch = errors.New("bamboo: payload does not match entry")
	// ErrBacklinkMismatch indicates that the supplied backlink entry is not the one the entry claims.
	ErrBacklinkMismatch = errors.New("bamboo: backlink entry does not match")
	// ErrSkiplinkMismatch indicates that the supplied skiplink entry is not the one the entry claims.
	ErrSkiplinkMismatch = errors.New("bamboo: skiplink entry does not match")
)

// Verify checks that entryBytes is a correctly signed entry carrying payload and
// that it extends its log through the supplied skiplink and backlink entries.
//
// Link bytes must be nil for the first entry of a log. For later entries the
// backlink bytes are always required, the skiplink bytes only when the entry's
// position carries its own skiplink. Verify never touches storage.
func Verify(entryBytes, payload, skiplinkBytes, backlinkBytes []byte) (SignedEntry, error) {
	entry, err := DecodeEntry(entryBytes)
	if err != nil {
		return SignedEntry{}, err
	}
	if err := entry.VerifySignature(); err != nil {
		return SignedEntry{}, err
	}
	if err := verifyPayload(entry, payload); err != nil {
		return SignedEntry{}, err
	}

	if entry.SeqNum.IsFirst() {
		if skiplinkBytes != nil || backlinkBytes != nil {
			return SignedEntry{}, fmt.Errorf("%w: first entry cannot reference other entries", ErrUnexpectedLink)
		}
		return entry, nil
	}

	if backlinkBytes == nil {
		return SignedEntry{}, fmt.Errorf("%w: backlink entry not supplied", ErrMissingLink)
	}
	backlinkSeqNum, _ := entry.SeqNum.Backlink()
	if err := verifyLink(entry, backlinkBytes, *entry.Backlink, backlinkSeqNum, ErrBacklinkMismatch); err != nil {
		return SignedEntry{}, err
	}

	skiplinkSeqNum, _ := entry.SeqNum.Skiplink()
	if entry.SeqNum.HasSkiplink() {
		if skiplinkBytes == nil {
			return SignedEntry{}, fmt.Errorf("%w: skiplink entry not supplied", ErrMissingLink)
		}
		if err := verifyLink(entry, skiplinkBytes, *entry.Skiplink, skiplinkSeqNum, ErrSkiplinkMismatch); err != nil {
			return SignedEntry{}, err
		}
	} else if skiplinkBytes != nil && !bytes.Equal(skiplinkBytes, backlinkBytes) {
		return SignedEntry{}, fmt.Errorf("%w: skiplink position %d is the backlink", ErrSkiplinkMismatch, skiplinkSeqNum)
	}

	return entry, nil
}

func verifyPayload(entry SignedEntry, payload []byte) error {
	if payload == nil {
		return fmt.Errorf("%w: payload not supplied", ErrPayloadMismatch)
	}
	if uint64(len(payload)) != entry.PayloadSize {
		return fmt.Errorf("%w: size %d, claimed %d", ErrPayloadMismatch, len(payload), entry.PayloadSize)
	}
	if HashBytes(payload) != entry.PayloadHash {
		return fmt.Errorf("%w: hash", ErrPayloadMismatch)
	}
	return nil
}

func verifyLink(entry SignedEntry, linkBytes []byte, claimed Hash, expectedSeqNum SeqNum, mismatch error) error {
	if HashBytes(linkBytes) != claimed {
		return fmt.Errorf("%w: hash differs from claim %s", mismatch, claimed)
	}
	linked, err := DecodeEntry(linkBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", mismatch, err)
	}
	if linked.Author != entry.Author {
		return fmt.Errorf("%w: author %s", mismatch, linked.Author)
	}
	if linked.LogID != entry.LogID {
		return fmt.Errorf("%w: log id %d, expected %d", mismatch, linked.LogID, entry.LogID)
	}
	if linked.SeqNum != expectedSeqNum {
		return fmt.Errorf("%w: seq num %d, expected %d", mismatch, linked.SeqNum, expectedSeqNum)
	}
	return nil
}
