package network

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kr5hn4/tranzit/storage"
)

type recordedEvent struct {
	name    string
	payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{name: name, payload: payload})
}

func (s *recordingSink) named(name string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []any
	for _, event := range s.events {
		if event.name == name {
			out = append(out, event.payload)
		}
	}
	return out
}

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// startTestServer serves cfg on a loopback port. A directory backend in a
// temp dir is used when cfg.Backend is nil.
func startTestServer(t *testing.T, cfg Config) (*Server, int) {
	t.Helper()

	if cfg.Backend == nil {
		backend, err := storage.NewDirBackend(t.TempDir())
		require.NoError(t, err)
		cfg.Backend = backend
	}
	if cfg.Log == nil {
		cfg.Log = quietLog()
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return server, listener.Addr().(*net.TCPAddr).Port
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "tranzit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func writeTempFile(t *testing.T, name string, contents []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}
