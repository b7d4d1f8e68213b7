// Package heartbeat tracks the reachability of peers with a line-based TCP
// ping/pong exchange and answers the same exchange for others.
package heartbeat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/metrics"
)

const (
	// DefaultPort is the heartbeat TCP port.
	DefaultPort = 21112
	// DefaultInterval is the pause between heartbeat cycles.
	DefaultInterval = 10 * time.Second
	// DefaultTimeout bounds each connect and each pong read.
	DefaultTimeout = 10 * time.Second

	pingFrame = "ping"
	pongFrame = "pong"
)

var (
	// ErrUnexpectedResponse indicates a reply line that does not start with "pong".
	ErrUnexpectedResponse = errors.New("heartbeat: unexpected response")
	// ErrConnectionClosed indicates the peer closed the connection before replying.
	ErrConnectionClosed = errors.New("heartbeat: connection closed by peer")
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config controls the heartbeat monitor.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Port is used for tracked addresses given without a port.
	Port int

	Sink    events.Sink
	Metrics *metrics.Metrics
	Log     *logrus.Entry

	dialFn dialFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.Sink == nil {
		out.Sink = events.Discard
	}
	if out.Log == nil {
		out.Log = logrus.WithField("component", "heartbeat")
	}
	if out.dialFn == nil {
		dialer := &net.Dialer{}
		out.dialFn = dialer.DialContext
	}
	return out
}

// probeConn is a cached heartbeat connection with its line reader.
type probeConn struct {
	net.Conn
	reader *bufio.Reader
}

type trackedDevice struct {
	address  string
	dialAddr string
	online   bool
	conn     *probeConn
}

// Monitor owns the device registry and runs the heartbeat loop.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	devices map[string]*trackedDevice
}

// NewMonitor returns a monitor with an empty registry.
func NewMonitor(config Config) *Monitor {
	return &Monitor{
		cfg:     config.withDefaults(),
		devices: make(map[string]*trackedDevice),
	}
}

// Track adds address to the registry as offline with no connection. An
// address without a port is probed on the configured heartbeat port.
// Tracking an already tracked address resets it.
func (m *Monitor) Track(address string) {
	device := &trackedDevice{
		address:  address,
		dialAddr: m.dialAddress(address),
	}

	m.mu.Lock()
	previous := m.devices[address]
	m.devices[address] = device
	m.mu.Unlock()

	if previous != nil && previous.conn != nil {
		_ = previous.conn.Close()
	}
	m.cfg.Log.WithField("address", address).Debug("tracking device")
}

// Untrack removes address and closes its cached connection.
func (m *Monitor) Untrack(address string) {
	m.mu.Lock()
	device := m.devices[address]
	delete(m.devices, address)
	m.mu.Unlock()

	if device != nil && device.conn != nil {
		_ = device.conn.Close()
	}
	m.cfg.Log.WithField("address", address).Debug("untracked device")
}

// IsOnline reports whether address is tracked and currently online.
func (m *Monitor) IsOnline(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	device := m.devices[address]
	return device != nil && device.online
}

// Addresses returns the tracked addresses in sorted order.
func (m *Monitor) Addresses() []string {
	m.mu.Lock()
	addresses := make([]string, 0, len(m.devices))
	for address := range m.devices {
		addresses = append(addresses, address)
	}
	m.mu.Unlock()

	sort.Strings(addresses)
	return addresses
}

// OnlineCount returns how many tracked devices are online.
func (m *Monitor) OnlineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, device := range m.devices {
		if device.online {
			n++
		}
	}
	return n
}

// Run performs a cycle immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.cfg.Log.WithField("interval", m.cfg.Interval).Info("heartbeat loop started")
	defer m.cfg.Log.Info("heartbeat loop stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			m.closeAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle probes every tracked address once, sequentially. Devices removed
// while the cycle runs are skipped.
func (m *Monitor) RunCycle(ctx context.Context) {
	for _, address := range m.Addresses() {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		device := m.devices[address]
		if device == nil {
			m.mu.Unlock()
			continue
		}
		conn := device.conn
		device.conn = nil
		dialAddr := device.dialAddr
		m.mu.Unlock()

		conn, err := m.probe(ctx, dialAddr, conn)
		m.cfg.Metrics.ObserveHeartbeatProbe(err == nil)
		if err != nil {
			m.cfg.Log.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Debug("heartbeat failed")
		}

		m.settle(address, device, conn, err == nil)
	}
}

// settle records the probe result and emits an event when the online state
// flips.
func (m *Monitor) settle(address string, device *trackedDevice, conn *probeConn, ok bool) {
	m.mu.Lock()
	current := m.devices[address]
	if current != device {
		// Untracked or re-tracked while the probe was in flight.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	event := ""
	if ok {
		device.conn = conn
		if !device.online {
			device.online = true
			event = events.DeviceOnline
		}
	} else if device.online {
		device.online = false
		event = events.DeviceOffline
	}
	m.mu.Unlock()

	if event == "" {
		return
	}
	m.cfg.Metrics.ObserveHeartbeatTransition(ok)
	m.cfg.Log.WithFields(logrus.Fields{
		"address": address,
		"event":   event,
	}).Info("device state changed")
	m.cfg.Sink.Emit(event, address)
}

// probe sends one ping and waits for the reply. It returns the connection
// to cache on success; on failure the connection is closed.
func (m *Monitor) probe(ctx context.Context, dialAddr string, conn *probeConn) (*probeConn, error) {
	if conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		raw, err := m.cfg.dialFn(dialCtx, "tcp", dialAddr)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", dialAddr, err)
		}
		conn = &probeConn{Conn: raw, reader: bufio.NewReader(raw)}
	}

	if err := m.exchange(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (m *Monitor) exchange(conn *probeConn) error {
	if err := conn.SetDeadline(time.Now().Add(m.cfg.Timeout)); err != nil {
		return fmt.Errorf("set heartbeat deadline: %w", err)
	}
	if _, err := conn.Write([]byte(pingFrame + "\n")); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	line, err := conn.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return ErrConnectionClosed
		}
		return fmt.Errorf("read pong: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), pongFrame) {
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, strings.TrimSpace(line))
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear heartbeat deadline: %w", err)
	}
	return nil
}

func (m *Monitor) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, device := range m.devices {
		if device.conn != nil {
			_ = device.conn.Close()
			device.conn = nil
		}
	}
}

func (m *Monitor) dialAddress(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(m.cfg.Port))
}
