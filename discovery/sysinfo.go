package discovery

import (
	"bufio"
	"errors"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/kr5hn4/tranzit/models"
)

// ErrNoIPv4 is returned when no usable IPv4 interface address exists.
var ErrNoIPv4 = errors.New("discovery: no non-loopback IPv4 address")

var osReleasePath = "/etc/os-release"

// LocalSystemInfo describes this host the way peers see it in transfer
// requests and TXT records. Fields that cannot be determined are "unknown".
func LocalSystemInfo() models.DeviceInfo {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = unknownValue
	}
	return models.DeviceInfo{
		Hostname: hostname,
		OSType:   osType(),
	}
}

func osType() string {
	if runtime.GOOS == "linux" {
		if name := prettyOSName(osReleasePath); name != "" {
			return "Linux " + name
		}
	}
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	case "android":
		return "Android"
	case "":
		return unknownValue
	default:
		return runtime.GOOS
	}
}

func prettyOSName(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(value, `"'`)
		}
	}
	return ""
}

// PrimaryIPv4 returns the first IPv4 address on an up, non-loopback
// interface that is not link-local.
func PrimaryIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if ip := firstUsableIPv4(addrs); ip != nil {
			return ip, nil
		}
	}
	return nil, ErrNoIPv4
}

func firstUsableIPv4(addrs []net.Addr) net.IP {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		ip = ip.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip
	}
	return nil
}
