package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/models"
)

// Announcer delivers a descriptor straight to a peer's control plane.
type Announcer interface {
	AssistedAnnounce(ctx context.Context, peerIP string, peerPort int, self models.Peer) (string, error)
}

// AssistedAnnounce pushes this node's descriptor to a peer that could be
// browsed but may not be able to see us. It returns the peer's reply body.
func AssistedAnnounce(ctx context.Context, announcer Announcer, peerIP string, peerPort int, self models.Peer) (string, error) {
	if announcer == nil {
		return "", errors.New("discovery: announcer is required")
	}
	if net.ParseIP(peerIP) == nil {
		return "", fmt.Errorf("assisted announce: invalid peer IP %q", peerIP)
	}
	if peerPort <= 0 || peerPort > 65535 {
		return "", fmt.Errorf("assisted announce: invalid peer port %d", peerPort)
	}

	log := logrus.WithFields(logrus.Fields{
		"component": "discovery",
		"peer_ip":   peerIP,
		"peer_port": peerPort,
	})

	reply, err := announcer.AssistedAnnounce(ctx, peerIP, peerPort, self)
	if err != nil {
		log.WithError(err).Debug("assisted announce failed")
		return "", fmt.Errorf("assisted announce to %s: %w", net.JoinHostPort(peerIP, fmt.Sprint(peerPort)), err)
	}
	log.Debug("assisted announce delivered")
	return reply, nil
}
