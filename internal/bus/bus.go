package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/merlin/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable message bus. The Controller publishes every step of the loop here;
// observers (display, auditor, metrics) consume it and never write back.
// The Auditor receives a read-only tap channel for every message published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	tapCh       chan types.Message
	extraTaps   []chan types.Message
	dropped     int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
		tapCh:       make(chan types.Message, tapBufSize),
	}
}

// Publish fans out msg to all subscribers of msg.Type and to every tap channel.
// Non-blocking: if a subscriber's channel is full, the message is dropped with a warning.
//
// Expectations:
//   - Delivers to every subscriber of msg.Type and to every tap
//   - Never blocks; a full channel drops the message and increments Dropped
//   - Assigns ID and Timestamp when empty
func (b *Bus) Publish(msg types.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	taps := b.extraTaps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			b.drop()
			log.Printf("[BUS] WARNING: subscriber channel full for type=%s from=%s — message dropped", msg.Type, msg.From)
		}
	}

	// Send to taps. Non-blocking to avoid observer backpressure stalling the loop.
	select {
	case b.tapCh <- msg:
	default:
		b.drop()
		log.Printf("[BUS] WARNING: tap channel full — audit message dropped type=%s", msg.Type)
	}
	for _, ch := range taps {
		select {
		case ch <- msg:
		default:
			b.drop()
			log.Printf("[BUS] WARNING: observer tap full — message dropped type=%s", msg.Type)
		}
	}
}

// Emit is a convenience wrapper that builds the envelope and publishes it.
func (b *Bus) Emit(from, to types.Role, t types.MessageType, payload any) {
	b.Publish(types.Message{From: from, To: to, Type: t, Payload: payload})
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only tap channel for the Auditor.
// Only one consumer should call this; calling it multiple times returns the same channel.
func (b *Bus) Tap() <-chan types.Message {
	return b.tapCh
}

// NewTap registers an additional observer that sees every message, independent of the
// Auditor's tap. Used by the display and the metrics recorder.
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.extraTaps = append(b.extraTaps, ch)
	b.mu.Unlock()
	return ch
}

// Dropped returns how many deliveries were discarded because a channel was full.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) drop() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
}
