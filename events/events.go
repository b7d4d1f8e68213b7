// Package events carries notifications from the core to whatever front end
// is attached. The core only ever calls Sink.Emit.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Event names emitted by the core.
const (
	AssistedDiscovery   = "assisted-discovery"
	FileTransferRequest = "file-transfer-request"
	PeerDiscovered      = "mdns-peer-discovered"
	DeviceOnline        = "device-online"
	DeviceOffline       = "device-offline"
	UploadProgress      = "upload-progress"
)

// Sink receives named notifications. Implementations must not block for long:
// emitters call Emit from network loops.
type Sink interface {
	Emit(name string, payload any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, payload any)

// Emit calls f(name, payload).
func (f SinkFunc) Emit(name string, payload any) {
	f(name, payload)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, any) {})

// Event is one buffered notification.
type Event struct {
	Name    string
	Payload any
}

// ChannelSink queues events on a buffered channel. When the buffer is full
// the event is dropped and counted.
type ChannelSink struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool

	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 128
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Emit queues the event without blocking.
func (s *ChannelSink) Emit(name string, payload any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- Event{Name: name, Payload: payload}:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the queue.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the queue was full.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the event channel. Later Emit calls are ignored.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// LogSink writes every event to a logrus entry at debug level.
type LogSink struct {
	Log *logrus.Entry
}

// Emit logs the event.
func (s LogSink) Emit(name string, payload any) {
	entry := s.Log
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	entry.WithFields(logrus.Fields{
		"event":   name,
		"payload": payload,
	}).Debug("event emitted")
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

// Emit forwards the event to every non-nil sink.
func (m MultiSink) Emit(name string, payload any) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(name, payload)
		}
	}
}
