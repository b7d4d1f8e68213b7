package heartbeat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kr5hn4/tranzit/events"
)

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
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

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Name)
	}
	return out
}

type countingListener struct {
	net.Listener
	accepted atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return conn, err
}

func startResponder(t *testing.T) (*Responder, *countingListener) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	counting := &countingListener{Listener: ln}

	r := NewResponder(counting, quietLog())
	go func() { _ = r.Serve() }()
	t.Cleanup(func() { _ = r.Close() })
	return r, counting
}

func TestResponderRepliesPongOnlyToPing(t *testing.T) {
	r, _ := startResponder(t)

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\nping\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "pong\n", line)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = reader.ReadByte()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "expected timeout, got %v", err)
	assert.True(t, netErr.Timeout())
}

func TestResponderCloseEndsOpenSessions(t *testing.T) {
	r, _ := startResponder(t)

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		_ = r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a session was open")
	}
}

func TestResponderCloseRacingServe(t *testing.T) {
	for i := 0; i < 50; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		r := NewResponder(ln, quietLog())

		served := make(chan error, 1)
		go func() { served <- r.Serve() }()
		require.NoError(t, r.Close())

		select {
		case err := <-served:
			if err != nil {
				assert.ErrorIs(t, err, ErrResponderClosed)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after Close")
		}
	}
}

func TestResponderServeAfterCloseFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := NewResponder(ln, quietLog())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Serve(), ErrResponderClosed)
}

func TestMonitorEmitsOnlyOnEdges(t *testing.T) {
	r, counting := startResponder(t)
	sink := &recordingSink{}
	monitor := NewMonitor(Config{Timeout: time.Second, Sink: sink, Log: quietLog()})

	address := r.Addr().String()
	monitor.Track(address)
	assert.False(t, monitor.IsOnline(address))

	monitor.RunCycle(context.Background())
	assert.True(t, monitor.IsOnline(address))
	assert.Equal(t, []string{events.DeviceOnline}, sink.names())

	monitor.RunCycle(context.Background())
	monitor.RunCycle(context.Background())
	assert.Equal(t, []string{events.DeviceOnline}, sink.names(), "steady online must not re-emit")
	assert.Equal(t, int32(1), counting.accepted.Load(), "cached connection must be reused")
	assert.Equal(t, 1, monitor.OnlineCount())

	require.NoError(t, r.Close())

	monitor.RunCycle(context.Background())
	assert.False(t, monitor.IsOnline(address))
	assert.Equal(t, []string{events.DeviceOnline, events.DeviceOffline}, sink.names())

	monitor.RunCycle(context.Background())
	assert.Equal(t, []string{events.DeviceOnline, events.DeviceOffline}, sink.names(), "steady offline must not re-emit")
}

func TestMonitorFailedConnectFromOfflineEmitsNothing(t *testing.T) {
	sink := &recordingSink{}
	monitor := NewMonitor(Config{Timeout: 200 * time.Millisecond, Sink: sink, Log: quietLog()})

	monitor.Track("10.0.0.5:0")
	monitor.RunCycle(context.Background())

	assert.False(t, monitor.IsOnline("10.0.0.5:0"))
	assert.Empty(t, sink.names())
}

func TestMonitorRejectsNonPongReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					if _, err := reader.ReadString('\n'); err != nil {
						return
					}
					_, _ = conn.Write([]byte("nope\n"))
				}
			}(conn)
		}
	}()

	sink := &recordingSink{}
	monitor := NewMonitor(Config{Timeout: time.Second, Sink: sink, Log: quietLog()})
	monitor.Track(ln.Addr().String())
	monitor.RunCycle(context.Background())

	assert.False(t, monitor.IsOnline(ln.Addr().String()))
	assert.Empty(t, sink.names())
}

func TestMonitorSkipsDeviceUntrackedMidCycle(t *testing.T) {
	sink := &recordingSink{}
	var monitor *Monitor
	monitor = NewMonitor(Config{
		Sink: sink,
		Log:  quietLog(),
		dialFn: func(ctx context.Context, network, address string) (net.Conn, error) {
			monitor.Untrack("a:1")
			client, server := net.Pipe()
			go func() {
				reader := bufio.NewReader(server)
				_, _ = reader.ReadString('\n')
				_, _ = server.Write([]byte("pong\n"))
			}()
			return client, nil
		},
	})

	monitor.Track("a:1")
	monitor.RunCycle(context.Background())

	assert.Empty(t, monitor.Addresses())
	assert.False(t, monitor.IsOnline("a:1"))
	assert.Empty(t, sink.names())
}

func TestMonitorAddsDefaultPort(t *testing.T) {
	var dialed []string
	monitor := NewMonitor(Config{
		Port: 4321,
		Log:  quietLog(),
		dialFn: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed = append(dialed, address)
			return nil, errors.New("refused")
		},
	})

	monitor.Track("192.168.1.7")
	monitor.Track("fe80::1")
	monitor.Track("192.168.1.8:21112")
	monitor.RunCycle(context.Background())

	assert.ElementsMatch(t, []string{"192.168.1.7:4321", "[fe80::1]:4321", "192.168.1.8:21112"}, dialed)
}

func TestMonitorRetrackResetsState(t *testing.T) {
	r, _ := startResponder(t)
	monitor := NewMonitor(Config{Timeout: time.Second, Log: quietLog()})

	address := r.Addr().String()
	monitor.Track(address)
	monitor.RunCycle(context.Background())
	require.True(t, monitor.IsOnline(address))

	monitor.Track(address)
	assert.False(t, monitor.IsOnline(address))
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	monitor := NewMonitor(Config{Interval: 10 * time.Millisecond, Log: quietLog()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
