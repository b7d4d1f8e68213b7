package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kr5hn4/tranzit/config"
	"github.com/kr5hn4/tranzit/crypto"
	"github.com/kr5hn4/tranzit/discovery"
	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/heartbeat"
	"github.com/kr5hn4/tranzit/metrics"
	"github.com/kr5hn4/tranzit/models"
	"github.com/kr5hn4/tranzit/network"
	"github.com/kr5hn4/tranzit/storage"
)

type serveOptions struct {
	AutoAccept     bool
	MetricsAddress string
	StorageBackend string
	Watch          []string
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)
	if opts.StorageBackend != "" {
		cfg.StorageBackend = opts.StorageBackend
	}
	if opts.MetricsAddress == "" {
		opts.MetricsAddress = cfg.MetricsAddress
	}
	autoAccept := opts.AutoAccept || cfg.AutoAccept

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close failed")
		}
	}()

	backend, err := openBackend(cfg, store)
	if err != nil {
		return err
	}

	certDir, err := os.MkdirTemp("", "tranzit-certs-")
	if err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	defer os.RemoveAll(certDir)

	controlPort := config.ControlPort(cfg)
	heartbeatPort := config.HeartbeatPort(cfg)

	m := metrics.New()
	queue := events.NewChannelSink(256)
	sink := events.MultiSink{
		events.LogSink{Log: logrus.WithField("component", "events")},
		queue,
	}

	server, err := network.NewServer(network.Config{
		Address: fmt.Sprintf(":%d", controlPort),
		CertDir: certDir,
		Backend: backend,
		Store:   store,
		Sink:    sink,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Port:    heartbeatPort,
		Sink:    sink,
		Metrics: m,
	})
	if err := m.RegisterDevicesOnline(monitor.OnlineCount); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	discoveryConfig := discovery.Config{
		Instance: cfg.DeviceName,
		Port:     controlPort,
		Sink:     sink,
	}
	advertiser := discovery.NewAdvertiser(discoveryConfig)
	browser, err := discovery.NewBrowser(discoveryConfig)
	if err != nil {
		return fmt.Errorf("create browser: %w", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Control Port:    %d\n", controlPort)
	fmt.Printf("Heartbeat Port:  %d\n", heartbeatPort)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.CertificateFingerprint(server.Certificate().TLS.Certificate[0])))
	fmt.Printf("Storage:         %s\n", describeBackend(backend))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	if err := advertiser.Start(); err != nil {
		logrus.WithError(err).Warn("mDNS advertising unavailable; peers must use assisted discovery")
	}
	defer advertiser.Stop()

	tracked := map[string]bool{}
	track := func(address string) {
		if address == "" || tracked[address] {
			return
		}
		tracked[address] = true
		monitor.Track(address)
	}
	for _, address := range opts.Watch {
		track(address)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return heartbeat.ListenAndServe(gctx, fmt.Sprintf(":%d", heartbeatPort), nil)
	})
	g.Go(func() error {
		if err := monitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := browser.ListenPassively(gctx)
		if errors.Is(err, discovery.ErrTooManyReceiveErrors) {
			logrus.WithError(err).Warn("passive discovery stopped")
			return nil
		}
		return err
	})
	if opts.MetricsAddress != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, opts.MetricsAddress, m)
		})
	}
	answers := newAnswerQueue(promptQueueSize, server.Broker().Timeout(), newDecider(gctx, autoAccept),
		server.Broker().Has, server.RespondToRequest)
	g.Go(func() error {
		return answers.Run(gctx)
	})
	g.Go(func() error {
		defer queue.Close()
		for {
			select {
			case <-gctx.Done():
				return nil
			case event := <-queue.Events():
				handleEvent(event, answers, track)
			}
		}
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	err = g.Wait()
	fmt.Println("Status:          shutting down")
	if dropped := queue.Dropped(); dropped > 0 {
		logrus.WithField("dropped", dropped).Warn("events dropped while the queue was full")
	}
	return err
}

func openBackend(cfg *config.DeviceConfig, store *storage.Store) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendBlob:
		return storage.NewBlobBackend(store), nil
	default:
		backend, err := storage.NewDirBackend(cfg.DownloadDir)
		if err != nil {
			return nil, fmt.Errorf("open download directory: %w", err)
		}
		return backend, nil
	}
}

func describeBackend(backend storage.Backend) string {
	if dir, ok := backend.(*storage.DirBackend); ok {
		return dir.Root()
	}
	return backend.Name() + " (database)"
}

func handleEvent(event events.Event, answers *answerQueue, track func(string)) {
	switch event.Name {
	case events.PeerDiscovered, events.AssistedDiscovery:
		peer, ok := event.Payload.(models.Peer)
		if !ok {
			return
		}
		fmt.Printf("peer: %-20s %-22s %s\n", peer.Hostname, peer.Address(), peer.OS)
		track(peer.IP)
	case events.DeviceOnline:
		fmt.Printf("online: %v\n", event.Payload)
	case events.DeviceOffline:
		fmt.Printf("offline: %v\n", event.Payload)
	case events.FileTransferRequest:
		notification, ok := event.Payload.(models.TransferRequestNotification)
		if !ok {
			return
		}
		if !answers.Enqueue(notification) {
			logrus.WithField("request_id", notification.ID).Warn("too many transfer requests waiting; leaving this one to expire")
		}
	}
}

const promptQueueSize = 16

type queuedRequest struct {
	notification models.TransferRequestNotification
	deadline     time.Time
}

// answerQueue decides transfer requests one at a time, off the event loop.
// Requests that expire while queued are skipped without a prompt.
type answerQueue struct {
	requests chan queuedRequest
	timeout  time.Duration
	decide   decider
	pending  func(id string) bool
	respond  func(id, payload string) bool
	now      func() time.Time
}

func newAnswerQueue(size int, timeout time.Duration, decide decider, pending func(string) bool, respond func(string, string) bool) *answerQueue {
	return &answerQueue{
		requests: make(chan queuedRequest, size),
		timeout:  timeout,
		decide:   decide,
		pending:  pending,
		respond:  respond,
		now:      time.Now,
	}
}

// Enqueue never blocks. It reports false when the queue is full.
func (q *answerQueue) Enqueue(n models.TransferRequestNotification) bool {
	select {
	case q.requests <- queuedRequest{notification: n, deadline: q.now().Add(q.timeout)}:
		return true
	default:
		return false
	}
}

func (q *answerQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case request := <-q.requests:
			q.answer(request)
		}
	}
}

func (q *answerQueue) answer(request queuedRequest) {
	id := request.notification.ID
	if !q.pending(id) || !q.now().Before(request.deadline) {
		logrus.WithField("request_id", id).Debug("transfer request expired while queued")
		return
	}

	decision := q.decide(request.notification, request.deadline)
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if !q.respond(id, string(payload)) {
		fmt.Println("transfer request expired before a decision was made")
	}
}

type decider func(n models.TransferRequestNotification, deadline time.Time) models.Decision

// newDecider accepts everything when autoAccept is set and otherwise asks on
// stdin. An unanswered prompt declines at the request's deadline.
func newDecider(ctx context.Context, autoAccept bool) decider {
	if autoAccept {
		return func(n models.TransferRequestNotification, _ time.Time) models.Decision {
			fmt.Printf("accepting %s\n", describeRequest(n.Data))
			return models.Decision{Accepted: true}
		}
	}

	answers := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			answers <- scanner.Text()
		}
		close(answers)
	}()

	return func(n models.TransferRequestNotification, deadline time.Time) models.Decision {
		fmt.Printf("%s\naccept? [y/N] ", describeRequest(n.Data))
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case line, ok := <-answers:
			if !ok {
				return models.Decision{Accepted: false, Message: "no answer"}
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return models.Decision{Accepted: true}
			}
			return models.Decision{Accepted: false, Message: "declined"}
		case <-timer.C:
			fmt.Println()
			return models.Decision{Accepted: false, Message: "no answer"}
		case <-ctx.Done():
			return models.Decision{Accepted: false, Message: "shutting down"}
		}
	}
}

func describeRequest(request models.TransferRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "transfer request from %s (%s): %d file(s), %s",
		request.DeviceInfo.Hostname, request.DeviceInfo.OSType,
		len(request.FilesInfo), formatBytes(request.TotalSize()))
	for _, file := range request.FilesInfo {
		fmt.Fprintf(&b, "\n  %s (%s)", file.Name, formatBytes(file.Size))
	}
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// splitPeerAddress parses ip or ip:port, using defaultPort when none is given.
func splitPeerAddress(address string, defaultPort int) (string, int, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		host, portText = strings.Trim(address, "[]"), ""
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("invalid peer address %q", address)
	}
	if portText == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid peer port in %q", address)
	}
	return host, port, nil
}
