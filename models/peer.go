package models

import (
	"net"
	"strconv"
)

// Peer is a remote node observed on the LAN.
//
// Two records with the same IP and port describe the same peer; the other
// fields are whatever metadata was last seen for that endpoint.
type Peer struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Hostname    string `json:"hostname"`
	ServiceType string `json:"service_type"`
	OS          string `json:"os"`
	ID          string `json:"id,omitempty"`
}

// PeerKey is the identity of a peer for set membership.
type PeerKey struct {
	IP   string
	Port int
}

// Key returns the (ip, port) identity of the peer.
func (p Peer) Key() PeerKey {
	ip := p.IP
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	return PeerKey{IP: ip, Port: p.Port}
}

// Address returns host:port for dialing the peer.
func (p Peer) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}
