package heartbeat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Responder answers "ping" lines with "pong\n" on every accepted connection.
type Responder struct {
	listener net.Listener
	log      *logrus.Entry

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	serving chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ErrResponderClosed is returned by Serve after Close.
var ErrResponderClosed = errors.New("heartbeat: responder closed")

// Listen binds address and starts the accept loop. An empty address binds
// all interfaces on DefaultPort.
func Listen(address string, log *logrus.Entry) (*Responder, error) {
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	r := NewResponder(listener, log)
	done, err := r.startServing()
	if err != nil {
		return nil, err
	}
	go r.acceptLoop(done)
	return r, nil
}

// NewResponder wraps an existing listener. Call Serve to start accepting.
func NewResponder(listener net.Listener, log *logrus.Entry) *Responder {
	if log == nil {
		log = logrus.WithField("component", "heartbeat")
	}
	return &Responder{
		listener: listener,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
}

// Serve runs the accept loop until Close is called. It returns
// ErrResponderClosed if Close already ran or another Serve is active.
func (r *Responder) Serve() error {
	done, err := r.startServing()
	if err != nil {
		return err
	}
	r.acceptLoop(done)
	return nil
}

func (r *Responder) startServing() (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.closed:
		return nil, ErrResponderClosed
	default:
	}
	if r.serving != nil {
		return nil, ErrResponderClosed
	}
	r.serving = make(chan struct{})
	return r.serving, nil
}

// Addr returns the listening address.
func (r *Responder) Addr() net.Addr {
	return r.listener.Addr()
}

// Close stops accepting, closes every open session and waits for them.
func (r *Responder) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.closed)
		closeErr = r.listener.Close()

		r.mu.Lock()
		serving := r.serving
		for conn := range r.conns {
			_ = conn.Close()
		}
		r.mu.Unlock()

		// Sessions are only added by the accept loop.
		if serving != nil {
			<-serving
		}
		r.wg.Wait()
	})
	return closeErr
}

func (r *Responder) acceptLoop(done chan struct{}) {
	defer close(done)

	r.log.WithField("addr", r.listener.Addr().String()).Info("heartbeat responder listening")
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.WithError(err).Debug("accept heartbeat connection")
			continue
		}

		if !r.track(conn) {
			_ = conn.Close()
			return
		}
		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

func (r *Responder) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.closed:
		return false
	default:
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Responder) handleConn(conn net.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	log := r.log.WithField("peer", conn.RemoteAddr().String())
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && strings.HasPrefix(strings.TrimSpace(line), pingFrame) {
			if _, werr := conn.Write([]byte(pongFrame + "\n")); werr != nil {
				log.WithError(werr).Debug("send pong")
				return
			}
		}
		if err != nil {
			log.WithError(err).Debug("heartbeat session closed")
			return
		}
	}
}

// ListenAndServe runs a responder on address until ctx is cancelled.
func ListenAndServe(ctx context.Context, address string, log *logrus.Entry) error {
	r, err := Listen(address, log)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}
