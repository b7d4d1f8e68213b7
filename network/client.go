package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/crypto"
	"github.com/kr5hn4/tranzit/models"
)

const (
	// DefaultDialTimeout bounds TCP connect for outbound control-plane calls.
	DefaultDialTimeout = 10 * time.Second
	// DefaultTLSHandshakeTimeout bounds the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	maxReplyBodySize = 1 << 20
)

// Client talks to a peer's control plane. Peer certificates are not verified.
type Client struct {
	http *http.Client
	log  *logrus.Entry
}

// NewClient builds a client with a transport suitable for uploads: there is
// no overall request timeout, only connect and handshake bounds.
func NewClient(log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.WithField("component", "client")
	}
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       crypto.InsecureClientTLSConfig(),
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Client{
		http: &http.Client{Transport: transport},
		log:  log,
	}
}

// Endpoint returns the https URL of route on ip:port.
func Endpoint(ip string, port int, route string) string {
	return "https://" + net.JoinHostPort(ip, strconv.Itoa(port)) + route
}

// AssistedAnnounce posts self to the peer's assisted-discovery route and
// returns the reply body.
func (c *Client) AssistedAnnounce(ctx context.Context, peerIP string, peerPort int, self models.Peer) (string, error) {
	reply, err := c.postJSON(ctx, Endpoint(peerIP, peerPort, RouteAssistedDiscovery), self)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// RequestTransfer offers files to the peer and blocks until the receiving
// user decides or the peer's request timeout elapses. The raw decision
// body is returned; see ParseDecision.
func (c *Client) RequestTransfer(ctx context.Context, peerIP string, peerPort int, files []models.FileInfo, device models.DeviceInfo) (json.RawMessage, error) {
	request := models.TransferRequest{
		FilesInfo:    files,
		DeviceInfo:   device,
		ReceiverInfo: peerIP,
	}
	if request.FilesInfo == nil {
		request.FilesInfo = []models.FileInfo{}
	}

	c.log.WithFields(logrus.Fields{
		"peer":  net.JoinHostPort(peerIP, strconv.Itoa(peerPort)),
		"files": len(files),
	}).Debug("sending transfer request")

	reply, err := c.postJSON(ctx, Endpoint(peerIP, peerPort, RouteFileTransferRequest), request)
	if err != nil {
		return nil, err
	}
	if !json.Valid(reply) {
		return nil, wrapError(KindProtocol, "decode decision", fmt.Errorf("reply is not JSON: %q", truncateForLog(reply)))
	}
	return json.RawMessage(reply), nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, wrapError(KindProtocol, "encode body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, wrapError(KindProtocol, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapError(KindNetwork, "post "+url, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBodySize))
	if err != nil {
		return nil, wrapError(KindNetwork, "read reply", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, wrapError(KindNetwork, "post "+url, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, truncateForLog(reply)))
	}
	return reply, nil
}

// ParseDecision interprets a decision body. The control plane returns the
// responder's payload as a JSON string; an object body is accepted as well.
func ParseDecision(raw json.RawMessage) (models.Decision, error) {
	var decision models.Decision
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return decision, wrapError(KindProtocol, "parse decision", errors.New("empty decision"))
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return decision, wrapError(KindProtocol, "parse decision", err)
		}
		switch strings.ToLower(strings.TrimSpace(inner)) {
		case "accept", "accepted", "true", "yes":
			return models.Decision{Accepted: true}, nil
		case "reject", "rejected", "false", "no", "":
			return models.Decision{Accepted: false, Message: inner}, nil
		}
		trimmed = []byte(inner)
	}

	if err := json.Unmarshal(trimmed, &decision); err != nil {
		return models.Decision{}, wrapError(KindProtocol, "parse decision", err)
	}
	return decision, nil
}

func truncateForLog(b []byte) string {
	const limit = 128
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
