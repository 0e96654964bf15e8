package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/message"
	"github.com/p2panda/node/internal/pandatest"
	"github.com/p2panda/node/internal/store"
)

var testSchema = bamboo.HashBytes([]byte("chat schema"))

type recordingListener struct {
	mu        sync.Mutex
	published []Published
}

func (l *recordingListener) EntryPublished(event Published) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, event)
}

func newTestService(t *testing.T, listeners ...Listener) (*Service, *store.Store) {
	t.Helper()
	db := pandatest.OpenDatabase(t, store.Models()...)
	entryStore, err := store.NewStore(store.Config{Database: db})
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{Store: entryStore, Listeners: listeners, VerifyWorkers: 2})
	require.NoError(t, err)
	return service, entryStore
}

// chatEntry signs the next entry of log carrying a create message.
func chatEntry(t *testing.T, log *pandatest.Log, text string) (bamboo.SignedEntry, message.Encoded) {
	t.Helper()
	encoded := pandatest.Create(t, testSchema, message.Fields{"message": message.TextValue(text)})
	return log.Append(t, encoded.Bytes()), encoded
}

func requireReason(t *testing.T, err error, reason Reason) {
	t.Helper()
	require.Error(t, err)
	var protocolErr *ProtocolError
	require.Truef(t, errors.As(err, &protocolErr), "expected protocol error, got %v", err)
	require.Equal(t, reason, protocolErr.Reason, protocolErr.Error())
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "publish.service.new.missing_store", serviceErr.Code())
}

func TestPublishFirstEntry(t *testing.T) {
	listener := &recordingListener{}
	service, _ := newTestService(t, listener)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)

	arguments, err := service.EntryArguments(ctx, author.ID(), testSchema)
	require.NoError(t, err)
	assert.Equal(t, Arguments{SeqNum: 1, LogID: 1}, arguments)

	log := author.Log(arguments.LogID)
	entry, encoded := chatEntry(t, log, "hello")
	next, err := service.PublishEntry(ctx, entry.Hex(), encoded.Hex())
	require.NoError(t, err)

	assert.Equal(t, bamboo.SeqNum(2), next.SeqNum)
	assert.Equal(t, bamboo.LogID(1), next.LogID)
	require.NotNil(t, next.Backlink)
	assert.Equal(t, entry.Hash(), *next.Backlink)
	assert.Nil(t, next.Skiplink)

	require.Len(t, listener.published, 1)
	assert.Equal(t, entry.Hash(), listener.published[0].Entry.Hash())
	assert.Equal(t, message.ActionCreate, listener.published[0].Message.Action())
}

func TestPublishChainReturnsExpectedLinks(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)
	log := author.Log(1)

	expectedSkiplinks := map[bamboo.SeqNum]bamboo.SeqNum{4: 1, 8: 4, 13: 4}
	for index := 1; index <= 14; index++ {
		entry, encoded := chatEntry(t, log, fmt.Sprintf("message %d", index))
		next, err := service.PublishEntry(ctx, entry.Hex(), encoded.Hex())
		require.NoErrorf(t, err, "publish seq num %d", index)

		queried, err := service.EntryArguments(ctx, author.ID(), testSchema)
		require.NoError(t, err)
		require.Equal(t, next, queried)

		require.Equal(t, bamboo.SeqNum(index+1), next.SeqNum)
		require.Equal(t, entry.Hash(), *next.Backlink)
		if skiplink, ok := expectedSkiplinks[next.SeqNum]; ok {
			require.NotNilf(t, next.Skiplink, "seq num %d", next.SeqNum)
			require.Equal(t, log.At(skiplink).Hash(), *next.Skiplink)
		} else if !next.SeqNum.HasSkiplink() {
			require.Nilf(t, next.Skiplink, "seq num %d", next.SeqNum)
		}
	}
}

func TestPublishRejectsMissingBacklink(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)
	log := author.Log(1)

	var entries []bamboo.SignedEntry
	var messages []message.Encoded
	for index := 1; index <= 5; index++ {
		entry, encoded := chatEntry(t, log, fmt.Sprintf("message %d", index))
		entries = append(entries, entry)
		messages = append(messages, encoded)
	}

	_, err := service.PublishEntry(ctx, entries[1].Hex(), messages[1].Hex())
	requireReason(t, err, ReasonBacklinkMissing)

	for index := 0; index < 2; index++ {
		_, err := service.PublishEntry(ctx, entries[index].Hex(), messages[index].Hex())
		require.NoError(t, err)
	}

	_, err = service.PublishEntry(ctx, entries[4].Hex(), messages[4].Hex())
	requireReason(t, err, ReasonBacklinkMissing)

	arguments, err := service.EntryArguments(ctx, author.ID(), testSchema)
	require.NoError(t, err)
	assert.Equal(t, bamboo.SeqNum(3), arguments.SeqNum)
}

func TestPublishRejectsMissingSkiplink(t *testing.T) {
	service, entryStore := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)
	log := author.Log(1)

	var entries []bamboo.SignedEntry
	var messages []message.Encoded
	for index := 1; index <= 4; index++ {
		entry, encoded := chatEntry(t, log, fmt.Sprintf("message %d", index))
		entries = append(entries, entry)
		messages = append(messages, encoded)
	}

	require.NoError(t, entryStore.RegisterLog(ctx, author.ID(), testSchema, 1))
	_, err := entryStore.AppendEntry(ctx, store.StoredEntry{Entry: entries[2], Payload: messages[2].Bytes(), Schema: testSchema})
	require.NoError(t, err)

	_, err = service.PublishEntry(ctx, entries[3].Hex(), messages[3].Hex())
	requireReason(t, err, ReasonSkiplinkMissing)
}

func TestPublishRejectsForeignLogID(t *testing.T) {
	service, entryStore := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)

	first, firstMessage := chatEntry(t, author.Log(1), "hello")
	_, err := service.PublishEntry(ctx, first.Hex(), firstMessage.Hex())
	require.NoError(t, err)

	wrongLog, wrongMessage := chatEntry(t, author.Log(2), "hello again")
	_, err = service.PublishEntry(ctx, wrongLog.Hex(), wrongMessage.Hex())
	requireReason(t, err, ReasonInvalidLogID)

	_, found, err := entryStore.EntryByHash(ctx, wrongLog.Hash())
	require.NoError(t, err)
	assert.False(t, found)

	otherSchema := bamboo.HashBytes([]byte("profile schema"))
	profile := pandatest.Create(t, otherSchema, message.Fields{"name": message.TextValue("panda")})
	stolenLog := author.Log(1).Append(t, profile.Bytes())
	_, err = service.PublishEntry(ctx, stolenLog.Hex(), profile.Hex())
	requireReason(t, err, ReasonInvalidLogID)

	arguments, err := service.EntryArguments(ctx, author.ID(), otherSchema)
	require.NoError(t, err)
	assert.Equal(t, Arguments{SeqNum: 1, LogID: 2}, arguments)
}

func TestPublishRejectsDuplicateSeqNum(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)

	entry, encoded := chatEntry(t, author.Log(1), "hello")
	_, err := service.PublishEntry(ctx, entry.Hex(), encoded.Hex())
	require.NoError(t, err)

	_, err = service.PublishEntry(ctx, entry.Hex(), encoded.Hex())
	requireReason(t, err, ReasonInvalidSeqNum)

	competing, competingMessage := chatEntry(t, author.Log(1), "another hello")
	_, err = service.PublishEntry(ctx, competing.Hex(), competingMessage.Hex())
	requireReason(t, err, ReasonInvalidSeqNum)
}

func TestPublishRejectsMalformedInput(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	log := pandatest.NewAuthor(t).Log(1)
	entry, encoded := chatEntry(t, log, "hello")
	otherMessage := pandatest.Create(t, testSchema, message.Fields{"message": message.TextValue("bye")})

	_, err := service.PublishEntry(ctx, "zz", encoded.Hex())
	requireReason(t, err, ReasonMalformedInput)

	_, err = service.PublishEntry(ctx, entry.Hex(), "00")
	requireReason(t, err, ReasonMalformedInput)

	_, err = service.PublishEntry(ctx, entry.Hex(), otherMessage.Hex())
	requireReason(t, err, ReasonMalformedInput)
}

func TestPublishRejectsBrokenChain(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)
	log := author.Log(1)

	first, firstMessage := chatEntry(t, log, "hello")
	_, err := service.PublishEntry(ctx, first.Hex(), firstMessage.Hex())
	require.NoError(t, err)

	secondMessage := pandatest.Create(t, testSchema, message.Fields{"message": message.TextValue("forged")})
	forged := author.Sign(t, bamboo.EntryConfig{
		LogID:    1,
		SeqNum:   2,
		Backlink: bamboo.HashBytes([]byte("not the first entry")).Ptr(),
		Payload:  secondMessage.Bytes(),
	})
	_, err = service.PublishEntry(ctx, forged.Hex(), secondMessage.Hex())
	requireReason(t, err, ReasonChainIntegrityFailure)

	impostor := pandatest.NewAuthor(t)
	stolen := impostor.Sign(t, bamboo.EntryConfig{
		LogID:    1,
		SeqNum:   2,
		Backlink: first.Hash().Ptr(),
		Payload:  secondMessage.Bytes(),
	})
	_, err = service.PublishEntry(ctx, stolen.Hex(), secondMessage.Hex())
	requireReason(t, err, ReasonBacklinkMissing)
}

func TestConcurrentPublishersOneWinnerPerSeqNum(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	author := pandatest.NewAuthor(t)

	first, firstMessage := chatEntry(t, author.Log(1), "hello")
	_, err := service.PublishEntry(ctx, first.Hex(), firstMessage.Hex())
	require.NoError(t, err)

	const publishers = 8
	type candidate struct {
		entry   bamboo.SignedEntry
		message message.Encoded
	}
	candidates := make([]candidate, publishers)
	for index := range candidates {
		encoded := pandatest.Create(t, testSchema, message.Fields{"message": message.TextValue(fmt.Sprintf("reply %d", index))})
		candidates[index] = candidate{
			entry: author.Sign(t, bamboo.EntryConfig{
				LogID:    1,
				SeqNum:   2,
				Backlink: first.Hash().Ptr(),
				Payload:  encoded.Bytes(),
			}),
			message: encoded,
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, publishers)
	for index := range candidates {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, errs[index] = service.PublishEntry(ctx, candidates[index].entry.Hex(), candidates[index].message.Hex())
		}(index)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		requireReason(t, err, ReasonInvalidSeqNum)
	}
	assert.Equal(t, 1, winners)

	arguments, err := service.EntryArguments(ctx, author.ID(), testSchema)
	require.NoError(t, err)
	assert.Equal(t, bamboo.SeqNum(3), arguments.SeqNum)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonSkiplinkMissing, ReasonOf(fmt.Errorf("wrapped: %w", newProtocolError(ReasonSkiplinkMissing, nil))))
	assert.Equal(t, ReasonStorageFailure, ReasonOf(errors.New("disk on fire")))
}
