package discovery

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

func testServiceEntry(id, hostname string, port int, ips ...string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry("LocalDrop Peer", DefaultService, DefaultDomain)
	entry.HostName = hostname + ".local."
	entry.Port = port
	entry.Text = []string{
		"version=1.0",
		"os=Linux",
		"hostname=" + hostname,
		"arch=amd64",
		"id=" + id,
	}
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, ip)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, ip)
		}
	}
	return entry
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
