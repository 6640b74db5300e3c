package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// RealtimeEventOperationAppended notifies peers that a graph mutation
	// was durably sequenced and should be fetched or applied.
	RealtimeEventOperationAppended = "operation-appended"
	// RealtimeEventPresence carries the full presence set for a session.
	RealtimeEventPresence = "presence"
	// RealtimeEventSnapshotSaved notifies peers that a checkpoint exists.
	RealtimeEventSnapshotSaved = "snapshot-saved"
)

// RealtimeMessage is one event fanned out to a session's connected clients.
// TargetUserID narrows delivery to a single participant; empty broadcasts.
type RealtimeMessage struct {
	SessionID    string
	EventType    string
	FromUserID   string
	TargetUserID string
	Payload      json.RawMessage
	Timestamp    time.Time
}

// RealtimeDispatcher fans events out to every subscriber of a session.
// Delivery is best-effort: slow subscribers lose messages rather than
// blocking the publisher, and clients self-heal via periodic presence sync
// and operation replay.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	userID string
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, sessionID, userID string) (<-chan RealtimeMessage, func()) {
	if sessionID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		userID: userID,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(sessionID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(sessionID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.SessionID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.SessionID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if message.TargetUserID != "" && subscriber.userID != message.TargetUserID {
			continue
		}
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

func (d *RealtimeDispatcher) registerSubscriber(sessionID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[sessionID]; !ok {
		d.subscribers[sessionID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[sessionID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(sessionID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[sessionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, sessionID)
		}
	}
	d.mu.Unlock()
}
