package publish

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/message"
	"github.com/p2panda/node/internal/store"
)

const (
	opServiceNew             = "publish.service.new"
	opPublishEntry           = "publish.publish_entry"
	opEntryArguments         = "publish.entry_arguments"
	fieldAuthor              = "author"
	fieldLogID               = "log_id"
	fieldSeqNum              = "seq_num"
	fieldSchema              = "schema"
	reasonMissingStore       = "missing_store"
	reasonLogLookupFailed    = "log_lookup_failed"
	reasonLatestLookupFailed = "latest_lookup_failed"
	reasonLinkLookupFailed   = "link_lookup_failed"
	reasonRegisterFailed     = "register_failed"
	reasonAppendFailed       = "append_failed"
	reasonEnqueueFailed      = "enqueue_failed"
	reasonVerifySlotFailed   = "verify_slot_failed"
	reasonNextLogIDFailed    = "next_log_id_failed"
	defaultVerifyWorkers     = 4
)

var (
	errMissingStore = errors.New("publish: store is required")
	noOpLogger      = zap.NewNop()
)

// Arguments are the values a client needs to sign the next entry of a log.
type Arguments struct {
	Backlink *bamboo.Hash
	Skiplink *bamboo.Hash
	SeqNum   bamboo.SeqNum
	LogID    bamboo.LogID
}

// Published describes an entry that was committed to the store.
type Published struct {
	Entry   store.StoredEntry
	Message message.Message
	Next    Arguments
}

// Listener is notified after an entry is committed. Implementations must not
// block.
type Listener interface {
	EntryPublished(Published)
}

// ServiceConfig describes the dependencies of the publish Service.
type ServiceConfig struct {
	Store         *store.Store
	Logger        *zap.Logger
	VerifyWorkers int64
	Listeners     []Listener
}

// Service accepts new entries and answers next entry argument queries.
type Service struct {
	store     *store.Store
	logger    *zap.Logger
	verifiers *semaphore.Weighted
	locks     *logLocks
	listeners []Listener
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	workers := cfg.VerifyWorkers
	if workers <= 0 {
		workers = defaultVerifyWorkers
	}
	return &Service{
		store:     cfg.Store,
		logger:    logger,
		verifiers: semaphore.NewWeighted(workers),
		locks:     &logLocks{},
		listeners: append([]Listener(nil), cfg.Listeners...),
	}, nil
}

// PublishEntry verifies that the hex encoded entry extends its log, stores it
// with its message and returns the arguments for the following entry.
func (s *Service) PublishEntry(ctx context.Context, entryHex, messageHex string) (Arguments, error) {
	entry, err := bamboo.DecodeEntryHex(entryHex)
	if err != nil {
		return Arguments{}, newProtocolError(ReasonMalformedInput, err)
	}
	encoded, err := message.DecodeHex(messageHex)
	if err != nil {
		return Arguments{}, newProtocolError(ReasonMalformedInput, err)
	}
	if encoded.Hash() != entry.PayloadHash || uint64(len(encoded.Bytes())) != entry.PayloadSize {
		return Arguments{}, newProtocolError(ReasonMalformedInput, fmt.Errorf("%w: message is not the entry payload", bamboo.ErrPayloadMismatch))
	}

	author := entry.Author
	logID := entry.LogID
	schema := encoded.Message.Schema()
	logFields := []zap.Field{
		zap.String(fieldAuthor, author.String()),
		zap.Uint64(fieldLogID, logID.Uint64()),
		zap.Uint64(fieldSeqNum, entry.SeqNum.Uint64()),
	}

	unlock := s.locks.lock(author, logID)
	defer unlock()

	var published Published
	txErr := s.store.Transaction(ctx, func(tx *store.Store) error {
		registered, found, err := tx.LogID(ctx, author, schema)
		if err != nil {
			s.logError(opPublishEntry, reasonLogLookupFailed, err, logFields...)
			return newServiceError(opPublishEntry, reasonLogLookupFailed, err)
		}
		if found && registered != logID {
			return newProtocolError(ReasonInvalidLogID, fmt.Errorf("schema %s is bound to log %d, entry claims log %d", schema, registered, logID))
		}

		latest, hasLatest, err := tx.LatestEntry(ctx, author, logID)
		if err != nil {
			s.logError(opPublishEntry, reasonLatestLookupFailed, err, logFields...)
			return newServiceError(opPublishEntry, reasonLatestLookupFailed, err)
		}
		if !found && hasLatest {
			return newProtocolError(ReasonInvalidLogID, fmt.Errorf("log %d is bound to another schema", logID))
		}
		if hasLatest && latest.Entry.SeqNum >= entry.SeqNum {
			return newProtocolError(ReasonInvalidSeqNum, fmt.Errorf("log %d already holds seq num %d", logID, latest.Entry.SeqNum))
		}

		backlinkBytes, skiplinkBytes, err := s.fetchLinks(ctx, tx, entry, logFields)
		if err != nil {
			return err
		}

		if err := s.verify(ctx, entry, encoded, skiplinkBytes, backlinkBytes); err != nil {
			return err
		}

		if !found {
			if err := tx.RegisterLog(ctx, author, schema, logID); err != nil {
				if errors.Is(err, store.ErrDuplicateLogClaim) {
					return newProtocolError(ReasonInvalidLogID, err)
				}
				s.logError(opPublishEntry, reasonRegisterFailed, err, logFields...)
				return newServiceError(opPublishEntry, reasonRegisterFailed, err)
			}
		}

		stored, err := tx.AppendEntry(ctx, store.StoredEntry{Entry: entry, Payload: encoded.Bytes(), Schema: schema})
		if err != nil {
			if errors.Is(err, store.ErrEntryExists) {
				return newProtocolError(ReasonInvalidSeqNum, err)
			}
			s.logError(opPublishEntry, reasonAppendFailed, err, logFields...)
			return newServiceError(opPublishEntry, reasonAppendFailed, err)
		}
		if err := tx.EnqueueMaterialization(ctx, stored); err != nil {
			s.logError(opPublishEntry, reasonEnqueueFailed, err, logFields...)
			return newServiceError(opPublishEntry, reasonEnqueueFailed, err)
		}

		next, err := s.nextArguments(ctx, tx, stored)
		if err != nil {
			return err
		}
		published = Published{Entry: stored, Message: encoded.Message, Next: next}
		return nil
	})
	if txErr != nil {
		return Arguments{}, txErr
	}

	s.logger.Debug("entry published", append(logFields, zap.String(fieldSchema, schema.String()))...)
	for _, listener := range s.listeners {
		listener.EntryPublished(published)
	}
	return published.Next, nil
}

// EntryArguments returns the arguments the author needs to publish the next
// entry for schema. It never writes.
func (s *Service) EntryArguments(ctx context.Context, author bamboo.Author, schema bamboo.Hash) (Arguments, error) {
	logFields := []zap.Field{
		zap.String(fieldAuthor, author.String()),
		zap.String(fieldSchema, schema.String()),
	}
	logID, found, err := s.store.LogID(ctx, author, schema)
	if err != nil {
		s.logError(opEntryArguments, reasonLogLookupFailed, err, logFields...)
		return Arguments{}, newServiceError(opEntryArguments, reasonLogLookupFailed, err)
	}
	if !found {
		nextLogID, err := s.store.NextLogID(ctx, author)
		if err != nil {
			s.logError(opEntryArguments, reasonNextLogIDFailed, err, logFields...)
			return Arguments{}, newServiceError(opEntryArguments, reasonNextLogIDFailed, err)
		}
		return Arguments{SeqNum: bamboo.FirstSeqNum, LogID: nextLogID}, nil
	}

	latest, hasLatest, err := s.store.LatestEntry(ctx, author, logID)
	if err != nil {
		s.logError(opEntryArguments, reasonLatestLookupFailed, err, logFields...)
		return Arguments{}, newServiceError(opEntryArguments, reasonLatestLookupFailed, err)
	}
	if !hasLatest {
		return Arguments{SeqNum: bamboo.FirstSeqNum, LogID: logID}, nil
	}
	return s.nextArguments(ctx, s.store, latest)
}

func (s *Service) fetchLinks(ctx context.Context, tx *store.Store, entry bamboo.SignedEntry, logFields []zap.Field) ([]byte, []byte, error) {
	backlinkSeqNum, hasBacklink := entry.SeqNum.Backlink()
	if !hasBacklink {
		return nil, nil, nil
	}
	backlink, found, err := tx.EntryAt(ctx, entry.Author, entry.LogID, backlinkSeqNum)
	if err != nil {
		s.logError(opPublishEntry, reasonLinkLookupFailed, err, logFields...)
		return nil, nil, newServiceError(opPublishEntry, reasonLinkLookupFailed, err)
	}
	if !found {
		return nil, nil, newProtocolError(ReasonBacklinkMissing, fmt.Errorf("could not find backlink entry at seq num %d", backlinkSeqNum))
	}

	if !entry.SeqNum.HasSkiplink() {
		return backlink.Entry.Bytes(), nil, nil
	}
	skiplinkSeqNum, _ := entry.SeqNum.Skiplink()
	skiplink, found, err := tx.EntryAt(ctx, entry.Author, entry.LogID, skiplinkSeqNum)
	if err != nil {
		s.logError(opPublishEntry, reasonLinkLookupFailed, err, logFields...)
		return nil, nil, newServiceError(opPublishEntry, reasonLinkLookupFailed, err)
	}
	if !found {
		return nil, nil, newProtocolError(ReasonSkiplinkMissing, fmt.Errorf("could not find skiplink entry at seq num %d", skiplinkSeqNum))
	}
	return backlink.Entry.Bytes(), skiplink.Entry.Bytes(), nil
}

func (s *Service) verify(ctx context.Context, entry bamboo.SignedEntry, encoded message.Encoded, skiplinkBytes, backlinkBytes []byte) error {
	if err := s.verifiers.Acquire(ctx, 1); err != nil {
		return newServiceError(opPublishEntry, reasonVerifySlotFailed, err)
	}
	defer s.verifiers.Release(1)

	_, err := bamboo.Verify(entry.Bytes(), encoded.Bytes(), skiplinkBytes, backlinkBytes)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bamboo.ErrMalformedEntry), errors.Is(err, bamboo.ErrPayloadMismatch):
		return newProtocolError(ReasonMalformedInput, err)
	default:
		return newProtocolError(ReasonChainIntegrityFailure, err)
	}
}

// nextArguments derives the arguments following latest. The skiplink is left
// out when it would point at the backlink.
func (s *Service) nextArguments(ctx context.Context, reader store.EntryStore, latest store.StoredEntry) (Arguments, error) {
	nextSeqNum := latest.Entry.SeqNum.Next()
	arguments := Arguments{
		Backlink: latest.Hash().Ptr(),
		SeqNum:   nextSeqNum,
		LogID:    latest.Entry.LogID,
	}
	if !nextSeqNum.HasSkiplink() {
		return arguments, nil
	}
	skiplinkSeqNum, _ := nextSeqNum.Skiplink()
	skiplink, found, err := reader.EntryAt(ctx, latest.Entry.Author, latest.Entry.LogID, skiplinkSeqNum)
	if err == nil && !found {
		err = fmt.Errorf("%w: seq num %d missing below %d", store.ErrCorruptRecord, skiplinkSeqNum, latest.Entry.SeqNum)
	}
	if err != nil {
		s.logError(opEntryArguments, reasonLinkLookupFailed, err,
			zap.String(fieldAuthor, latest.Entry.Author.String()),
			zap.Uint64(fieldLogID, latest.Entry.LogID.Uint64()))
		return Arguments{}, newServiceError(opEntryArguments, reasonLinkLookupFailed, err)
	}
	arguments.Skiplink = skiplink.Hash().Ptr()
	return arguments, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("publish service error", attrs...)
}
