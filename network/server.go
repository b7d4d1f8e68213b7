package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/kr5hn4/tranzit/crypto"
	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/metrics"
	"github.com/kr5hn4/tranzit/storage"
)

const (
	// DefaultPort is the control-plane port.
	DefaultPort = 21212
	// DefaultMaxUploadSize is the ceiling on one upload request body (5 GiB).
	DefaultMaxUploadSize int64 = 5 << 30
	// DefaultMaxConnections caps concurrent control-plane connections.
	DefaultMaxConnections = 64
	// DefaultReadHeaderTimeout bounds request header reads.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Control-plane routes.
const (
	RouteAssistedDiscovery   = "/assisted-discovery"
	RouteFileTransferRequest = "/file-transfer-request"
	RouteUpload              = "/upload"
)

const (
	assistedDiscoveryReply = "Device info received"
	uploadReply            = "File(s) uploaded successfully."
	maxJSONBodySize        = 1 << 20
)

// Config controls the TLS control-plane server.
type Config struct {
	// Address to bind. Empty binds all interfaces on DefaultPort.
	Address string
	// Certificate served to clients. When nil one is loaded from or
	// generated into CertDir, or generated in memory when CertDir is empty.
	Certificate *crypto.Certificate
	CertDir     string

	Backend storage.Backend
	// Store records request history and the received-file ledger. Optional.
	Store   *storage.Store
	Sink    events.Sink
	Metrics *metrics.Metrics
	Log     *logrus.Entry

	RequestTimeout time.Duration
	MaxUploadSize  int64
	MaxConnections int
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if c.Sink == nil {
		c.Sink = events.Discard
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "control")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = DefaultMaxUploadSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	return c
}

// Server is the TLS control plane: assisted discovery, transfer request
// brokering and upload ingress.
type Server struct {
	cfg         Config
	broker      *Broker
	certificate *crypto.Certificate
	httpServer  *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener

	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer prepares a server. A certificate failure is returned as a
// KindCrypto error and the server must not be started.
func NewServer(config Config) (*Server, error) {
	cfg := config.withDefaults()
	if cfg.Backend == nil {
		return nil, errors.New("network: storage backend is required")
	}

	cert, err := resolveCertificate(cfg)
	if err != nil {
		return nil, wrapError(KindCrypto, "load certificate", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		broker:      NewBroker(cfg.RequestTimeout),
		certificate: cert,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		closed:      make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s,
		TLSConfig:         crypto.ServerTLSConfig(cert),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s, nil
}

func resolveCertificate(cfg Config) (*crypto.Certificate, error) {
	if cfg.Certificate != nil {
		return cfg.Certificate, nil
	}
	if cfg.CertDir != "" {
		return crypto.EnsureScratchCertificate(cfg.CertDir)
	}
	return crypto.GenerateSelfSigned()
}

// Certificate returns the certificate presented to clients.
func (s *Server) Certificate() *crypto.Certificate {
	return s.certificate
}

// Broker returns the pending-request broker.
func (s *Server) Broker() *Broker {
	return s.broker
}

// ListenAndServe binds the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return wrapError(KindNetwork, "listen", fmt.Errorf("listen on %q: %w", s.cfg.Address, err))
	}
	return s.Serve(listener)
}

// Serve accepts TLS connections on listener until Close. It returns nil
// after a clean shutdown.
func (s *Server) Serve(listener net.Listener) error {
	limited := netutil.LimitListener(listener, s.cfg.MaxConnections)

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	default:
	}
	s.listener = limited
	s.mu.Unlock()

	s.cfg.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"fingerprint": crypto.FormatFingerprint(crypto.CertificateFingerprint(s.certificate.TLS.Certificate[0])),
	}).Info("control server listening")

	err := s.httpServer.Serve(tls.NewListener(limited, s.httpServer.TLSConfig))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return wrapError(KindNetwork, "serve", err)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the server immediately. Requests waiting for a decision fail.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
		s.cancelBase()
		closeErr = s.httpServer.Close()
	})
	return closeErr
}

// Shutdown stops accepting and waits for active requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
		s.cancelBase()
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}

// RespondToRequest answers the pending transfer request id with payload.
// Unknown or already answered ids are ignored and reported as false.
func (s *Server) RespondToRequest(id, payload string) bool {
	delivered := s.broker.Respond(id, payload)
	if !delivered {
		s.cfg.Log.WithField("request_id", id).Debug("decision for unknown request ignored")
	}
	s.cfg.Metrics.SetPendingRequests(s.broker.Len())
	return delivered
}

// PendingRequests returns the ids of requests awaiting a decision.
func (s *Server) PendingRequests() []string {
	return s.broker.IDs()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		s.cfg.Metrics.ObserveControlRequest(routeLabel(r.URL.Path), rec.status)
	}()

	setCORSHeaders(rec.Header())
	if r.Method == http.MethodOptions {
		rec.WriteHeader(http.StatusNoContent)
		return
	}

	var handler func(http.ResponseWriter, *http.Request)
	switch r.URL.Path {
	case RouteAssistedDiscovery:
		handler = s.handleAssistedDiscovery
	case RouteFileTransferRequest:
		handler = s.handleFileTransferRequest
	case RouteUpload:
		handler = s.handleUpload
	default:
		writeRejection(rec, http.StatusNotFound)
		return
	}

	if r.Method != http.MethodPost {
		rec.Header().Set("Allow", http.MethodPost)
		writeRejection(rec, http.StatusMethodNotAllowed)
		return
	}
	handler(rec, r)
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func routeLabel(path string) string {
	switch path {
	case RouteAssistedDiscovery, RouteFileTransferRequest, RouteUpload:
		return path
	default:
		return "other"
	}
}

func writeRejection(w http.ResponseWriter, status int) {
	var message string
	switch status {
	case http.StatusNotFound:
		message = "Not Found"
	case http.StatusMethodNotAllowed:
		message = "Method Not Allowed"
	case http.StatusRequestEntityTooLarge:
		message = "Payload too large"
	default:
		status = http.StatusInternalServerError
		message = "Internal Server Error"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeRejection(w, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeJSONBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodySize))
	if err := decoder.Decode(dst); err != nil {
		return wrapError(KindProtocol, "decode body", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
