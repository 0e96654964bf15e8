package server

import (
	"context"
	"sync"
	"time"

	"github.com/p2panda/node/internal/publish"
)

const (
	RealtimeEventEntryPublished = "entry-published"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeHeartbeatInterval   = 15 * time.Second
	realtimeAllAuthors          = ""
)

// RealtimeMessage announces one committed entry.
type RealtimeMessage struct {
	Author    string    `json:"author"`
	LogID     uint64    `json:"logId"`
	SeqNum    uint64    `json:"seqNum"`
	EntryHash string    `json:"entryHash"`
	Schema    string    `json:"schema"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans committed entries out to stream subscribers. A
// subscriber registered for the empty author receives every entry.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

var _ publish.Listener = (*RealtimeDispatcher)(nil)

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for the author until ctx ends or the returned
// cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, author string) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(author, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(author, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// EntryPublished converts a committed entry into a realtime message.
func (d *RealtimeDispatcher) EntryPublished(published publish.Published) {
	entry := published.Entry
	d.Publish(RealtimeMessage{
		Author:    entry.Entry.Author.String(),
		LogID:     entry.Entry.LogID.Uint64(),
		SeqNum:    entry.Entry.SeqNum.Uint64(),
		EntryHash: entry.Hash().String(),
		Schema:    entry.Schema.String(),
		Action:    string(published.Message.Action()),
		Timestamp: d.clock().UTC(),
	})
}

// Publish delivers the message without blocking; full subscriber buffers drop it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Author == "" || message.EntryHash == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers[message.Author])+len(d.subscribers[realtimeAllAuthors]))
	for _, subscriber := range d.subscribers[message.Author] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[realtimeAllAuthors] {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(author string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[author]; !ok {
		d.subscribers[author] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[author][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(author string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[author]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, author)
		}
	}
	d.mu.Unlock()
}
