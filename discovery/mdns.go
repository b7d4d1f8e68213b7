package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_localdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = "1.0"
	// DefaultInstance is the instance name used when no device name is set.
	DefaultInstance = "LocalDrop Peer"
	// DefaultPort is the advertised control-plane port.
	DefaultPort = 21212
	// DefaultDiscoverWindow bounds a DiscoverOnce browse.
	DefaultDiscoverWindow = 2 * time.Second
	// DefaultErrorBackoff is the pause after a failed passive browse session.
	DefaultErrorBackoff = 50 * time.Millisecond
	// DefaultMaxConsecutiveErrors stops the passive listener.
	DefaultMaxConsecutiveErrors = 5

	unknownValue = "unknown"
)

// TXT record keys.
const (
	TXTVersion  = "version"
	TXTOS       = "os"
	TXTHostname = "hostname"
	TXTArch     = "arch"
	TXTID       = "id"
)

var (
	processIDOnce sync.Once
	processID     string
)

// ProcessID returns a random identifier that is stable for the lifetime of
// the process and advertised in the "id" TXT record.
func ProcessID() string {
	processIDOnce.Do(func() {
		processID = uuid.NewString()
	})
	return processID
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing.
type Config struct {
	Service  string
	Domain   string
	Version  string
	Instance string
	Port     int

	// ID is advertised in the "id" TXT record. Entries carrying the same id
	// are ignored while browsing.
	ID       string
	Hostname string
	OS       string
	Arch     string

	DiscoverWindow       time.Duration
	ErrorBackoff         time.Duration
	MaxConsecutiveErrors int

	Sink events.Sink
	Log  *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.ID == "" {
		out.ID = ProcessID()
	}
	if out.Hostname == "" || out.OS == "" {
		info := LocalSystemInfo()
		if out.Hostname == "" {
			out.Hostname = info.Hostname
		}
		if out.OS == "" {
			out.OS = info.OSType
		}
	}
	if out.Arch == "" {
		out.Arch = runtime.GOARCH
	}
	if out.Instance == "" {
		out.Instance = DefaultInstance
	}
	if out.DiscoverWindow <= 0 {
		out.DiscoverWindow = DefaultDiscoverWindow
	}
	if out.ErrorBackoff <= 0 {
		out.ErrorBackoff = DefaultErrorBackoff
	}
	if out.MaxConsecutiveErrors <= 0 {
		out.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if out.Sink == nil {
		out.Sink = events.Discard
	}
	if out.Log == nil {
		out.Log = logrus.WithField("component", "discovery")
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// TXTRecords returns the metadata advertised with the service.
func (c Config) TXTRecords() []string {
	return []string{
		TXTVersion + "=" + c.Version,
		TXTOS + "=" + c.OS,
		TXTHostname + "=" + c.Hostname,
		TXTArch + "=" + c.Arch,
		TXTID + "=" + c.ID,
	}
}

// ServiceType returns the fully qualified service type, e.g. "_localdrop._tcp.local.".
func (c Config) ServiceType() string {
	return c.Service + "." + strings.TrimSuffix(c.Domain, ".") + "."
}

// State is the advertiser lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Advertiser publishes this node's service record until stopped.
type Advertiser struct {
	cfg Config

	// mu serializes Start and Stop transitions.
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdvertiser returns a stopped advertiser.
func NewAdvertiser(config Config) *Advertiser {
	return &Advertiser{cfg: config.withDefaults()}
}

// Config returns the effective advertiser configuration.
func (a *Advertiser) Config() Config {
	return a.cfg
}

// State reports the current lifecycle state.
func (a *Advertiser) State() State {
	return State(a.state.Load())
}

// Start registers the service record and keeps it published on a background
// goroutine. Starting an advertiser that is not stopped is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() != StateStopped {
		return nil
	}
	a.state.Store(int32(StateStarting))

	server, err := a.cfg.registerFn(a.cfg.Instance, a.cfg.Service, a.cfg.Domain, a.cfg.Port, a.cfg.TXTRecords(), nil)
	if err != nil {
		a.state.Store(int32(StateStopped))
		return fmt.Errorf("register mDNS service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done

	go func() {
		defer close(done)
		<-ctx.Done()
		if server != nil {
			server.Shutdown()
		}
	}()

	a.state.Store(int32(StateRunning))
	a.cfg.Log.WithFields(logrus.Fields{
		"instance": a.cfg.Instance,
		"service":  a.cfg.Service,
		"port":     a.cfg.Port,
		"id":       a.cfg.ID,
	}).Info("mDNS advertiser started")
	return nil
}

// Stop withdraws the service record and waits for the background goroutine
// to exit. Stopping an advertiser that is not running is a no-op.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() != StateRunning {
		return
	}
	a.state.Store(int32(StateStopping))

	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil

	a.state.Store(int32(StateStopped))
	a.cfg.Log.Info("mDNS advertiser stopped")
}

// Restart stops then starts the advertiser.
func (a *Advertiser) Restart() error {
	a.Stop()
	return a.Start()
}

// Descriptor returns the record this node announces to peers directly, the
// same metadata carried by the TXT records.
func (a *Advertiser) Descriptor(ip string) models.Peer {
	return models.Peer{
		Name:        a.cfg.Hostname,
		IP:          ip,
		Port:        a.cfg.Port,
		Hostname:    a.cfg.Hostname,
		ServiceType: a.cfg.ServiceType(),
		OS:          a.cfg.OS,
		ID:          a.cfg.ID,
	}
}

// ErrTooManyReceiveErrors is returned by ListenPassively after the configured
// number of consecutive browse failures.
var ErrTooManyReceiveErrors = errors.New("discovery: too many consecutive receive errors")
