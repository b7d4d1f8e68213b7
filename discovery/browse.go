package discovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/models"
)

var errSessionClosed = errors.New("discovery: browse session closed")

// Browser finds peers advertising the service.
type Browser struct {
	cfg    Config
	browse browseFunc
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{cfg: cfg, browse: browse}, nil
}

// DiscoverOnce browses for the configured window and returns every resolved
// IPv4 peer, deduplicated by (ip, port). The browse and the collector run on
// their own goroutines; ctx may end the window early.
func (b *Browser) DiscoverOnce(ctx context.Context) ([]models.Peer, error) {
	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.DiscoverWindow)
	defer cancel()

	log := b.cfg.Log.WithField("window", b.cfg.DiscoverWindow)
	log.Debug("starting mDNS discovery")

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := NewPeerSet()

	collect := func(entry *zeroconf.ServiceEntry) {
		for _, peer := range b.parseEntry(entry) {
			found.Add(peer)
		}
	}

	browseDone := make(chan struct{})
	g, gctx := errgroup.WithContext(scanCtx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				// Keep what was resolved right up to the deadline.
				<-browseDone
				for {
					select {
					case entry, ok := <-entries:
						if !ok {
							return nil
						}
						collect(entry)
					default:
						return nil
					}
				}
			case entry, ok := <-entries:
				if !ok {
					<-gctx.Done()
					return nil
				}
				collect(entry)
			}
		}
	})
	g.Go(func() error {
		defer close(browseDone)
		return b.browse(gctx, b.cfg.Service, b.cfg.Domain, entries)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	peers := found.List()
	log.WithField("peers", len(peers)).Debug("mDNS discovery complete")
	return peers, nil
}

// ListenPassively browses until ctx is cancelled, emitting
// events.PeerDiscovered once for every peer not seen before by this
// listener. A browse session that fails or closes counts as a receive error;
// after MaxConsecutiveErrors of them in a row it returns
// ErrTooManyReceiveErrors. Restarting is up to the caller.
func (b *Browser) ListenPassively(ctx context.Context) error {
	log := b.cfg.Log.WithField("mode", "passive")
	log.Info("passive mDNS listener started")
	defer log.Info("passive mDNS listener exited")

	seen := NewPeerSet()
	consecutiveErrors := 0

	for {
		err := b.listenSession(ctx, seen, &consecutiveErrors)
		if ctx.Err() != nil {
			return nil
		}

		consecutiveErrors++
		log.WithFields(logrus.Fields{
			"attempt": consecutiveErrors,
			"error":   err,
		}).Debug("mDNS receive error")
		if consecutiveErrors >= b.cfg.MaxConsecutiveErrors {
			log.Warn("exceeded max consecutive errors, stopping listener")
			return ErrTooManyReceiveErrors
		}

		timer := time.NewTimer(b.cfg.ErrorBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// listenSession runs one browse session and returns the reason it ended.
func (b *Browser) listenSession(ctx context.Context, seen *PeerSet, consecutiveErrors *int) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- b.browse(sessionCtx, b.cfg.Service, b.cfg.Domain, entries)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-browseErr:
			if err != nil {
				return err
			}
			// The real resolver returns immediately and keeps feeding entries.
			browseErr = nil
		case entry, ok := <-entries:
			if !ok {
				return errSessionClosed
			}
			*consecutiveErrors = 0
			for _, peer := range b.parseEntry(entry) {
				if seen.Add(peer) {
					b.cfg.Log.WithFields(logrus.Fields{
						"ip":       peer.IP,
						"port":     peer.Port,
						"hostname": peer.Hostname,
					}).Info("discovered peer")
					b.cfg.Sink.Emit(events.PeerDiscovered, peer)
				}
			}
		}
	}
}

// parseEntry converts a resolved entry into one peer per IPv4 address.
func (b *Browser) parseEntry(entry *zeroconf.ServiceEntry) []models.Peer {
	if entry == nil || entry.Port <= 0 {
		return nil
	}

	txt := txtToMap(entry.Text)
	id := txtValue(txt, TXTID)
	if id != unknownValue && id == b.cfg.ID {
		return nil
	}

	peers := make([]models.Peer, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip == nil || ip.To4() == nil {
			continue
		}
		peers = append(peers, models.Peer{
			Name:        entry.ServiceInstanceName(),
			IP:          ip.To4().String(),
			Port:        entry.Port,
			Hostname:    txtValue(txt, TXTHostname),
			ServiceType: entry.ServiceName(),
			OS:          txtValue(txt, TXTOS),
			ID:          id,
		})
	}
	return peers
}

func txtValue(txt map[string]string, key string) string {
	if v := txt[key]; v != "" {
		return v
	}
	return unknownValue
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
