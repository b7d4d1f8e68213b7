package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/models"
)

func TestDiscoverOnceDeduplicatesIPv4Peers(t *testing.T) {
	browser, err := NewBrowser(Config{
		ID:             "self",
		DiscoverWindow: 60 * time.Millisecond,
		Log:            quietLog(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self", "me", 21212, "10.0.0.1")
			entries <- testServiceEntry("peer-b", "bob", 21212, "10.0.0.3")
			entries <- testServiceEntry("peer-a", "alice", 21212, "10.0.0.2", "fe80::1")
			entries <- testServiceEntry("peer-a-renamed", "alice2", 21212, "10.0.0.2")
			entries <- testServiceEntry("peer-v6", "six", 21212, "fe80::2")
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)

	peers, err := browser.DiscoverOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, "10.0.0.2", peers[0].IP)
	assert.Equal(t, "alice2", peers[0].Hostname, "latest metadata wins")
	assert.Equal(t, "_localdrop._tcp.local.", peers[0].ServiceType)
	assert.Equal(t, "LocalDrop Peer._localdrop._tcp.local.", peers[0].Name)
	assert.Equal(t, "10.0.0.3", peers[1].IP)
	assert.Equal(t, "Linux", peers[1].OS)
}

func TestDiscoverOnceKeepsEntriesResolvedAtDeadline(t *testing.T) {
	browser, err := NewBrowser(Config{
		ID:             "self",
		DiscoverWindow: 30 * time.Millisecond,
		Log:            quietLog(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			entries <- testServiceEntry("late-a", "late-a", 21212, "10.0.0.20")
			entries <- testServiceEntry("late-b", "late-b", 21212, "10.0.0.21")
			return nil
		},
	})
	require.NoError(t, err)

	peers, err := browser.DiscoverOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "10.0.0.20", peers[0].IP)
	assert.Equal(t, "10.0.0.21", peers[1].IP)
}

func TestDiscoverOnceReturnsBrowseError(t *testing.T) {
	browser, err := NewBrowser(Config{
		Log: quietLog(),
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return errors.New("socket closed")
		},
	})
	require.NoError(t, err)

	_, err = browser.DiscoverOnce(context.Background())
	assert.EqualError(t, err, "socket closed")
}

func TestDiscoverOnceMissingTXTDefaultsToUnknown(t *testing.T) {
	browser, err := NewBrowser(Config{
		ID:             "self",
		DiscoverWindow: 40 * time.Millisecond,
		Log:            quietLog(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entry := testServiceEntry("x", "x", 9000, "10.1.1.1")
			entry.Text = nil
			entries <- entry
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)

	peers, err := browser.DiscoverOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "unknown", peers[0].Hostname)
	assert.Equal(t, "unknown", peers[0].OS)
	assert.Equal(t, "unknown", peers[0].ID)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Name: name, Payload: payload})
}

func (r *recordingSink) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func TestListenPassivelyEmitsOnlyNewPeers(t *testing.T) {
	sink := &recordingSink{}
	browser, err := NewBrowser(Config{
		ID:   "self",
		Sink: sink,
		Log:  quietLog(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "bob", 21212, "10.0.0.2")
			entries <- testServiceEntry("peer-1", "bob", 21212, "10.0.0.2")
			entries <- testServiceEntry("self", "me", 21212, "10.0.0.1")
			entries <- testServiceEntry("peer-2", "carol", 21213, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- browser.ListenPassively(ctx) }()

	waitForCondition(t, time.Second, func() bool { return len(sink.snapshot()) == 2 })
	cancel()
	require.NoError(t, <-done)

	got := sink.snapshot()
	require.Len(t, got, 2)
	for _, event := range got {
		assert.Equal(t, events.PeerDiscovered, event.Name)
	}
	assert.Equal(t, 21212, got[0].Payload.(models.Peer).Port)
	assert.Equal(t, 21213, got[1].Payload.(models.Peer).Port)
}

func TestListenPassivelyStopsAfterConsecutiveErrors(t *testing.T) {
	var calls int32
	browser, err := NewBrowser(Config{
		ErrorBackoff: time.Millisecond,
		Log:          quietLog(),
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("recv failed")
		},
	})
	require.NoError(t, err)

	err = browser.ListenPassively(context.Background())
	assert.ErrorIs(t, err, ErrTooManyReceiveErrors)
	assert.Equal(t, int32(DefaultMaxConsecutiveErrors), atomic.LoadInt32(&calls))
}

func TestListenPassivelyResetsErrorCountOnEntry(t *testing.T) {
	var calls int32
	sink := &recordingSink{}
	browser, err := NewBrowser(Config{
		ErrorBackoff: time.Millisecond,
		Sink:         sink,
		Log:          quietLog(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&calls, 1) == 4 {
				entries <- testServiceEntry("peer-1", "bob", 21212, "10.0.0.2")
				close(entries)
				return nil
			}
			return errors.New("recv failed")
		},
	})
	require.NoError(t, err)

	err = browser.ListenPassively(context.Background())
	assert.ErrorIs(t, err, ErrTooManyReceiveErrors)
	// Three failures, one session that delivered a peer and then closed,
	// then four more failures.
	assert.Equal(t, int32(8), atomic.LoadInt32(&calls))
	assert.Len(t, sink.snapshot(), 1)
}
