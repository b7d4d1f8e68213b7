package discovery

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertiserRegistersExpectedRecord(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	adv := NewAdvertiser(Config{
		Instance: "alice-laptop",
		Port:     21212,
		ID:       "process-id",
		Hostname: "alice-laptop",
		OS:       "Linux",
		Arch:     "arm64",
		Log:      quietLog(),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})

	require.NoError(t, adv.Start())
	defer adv.Stop()

	assert.Equal(t, "alice-laptop", gotInstance)
	assert.Equal(t, "_localdrop._tcp", gotService)
	assert.Equal(t, "local.", gotDomain)
	assert.Equal(t, 21212, gotPort)
	assert.ElementsMatch(t, []string{
		"version=1.0",
		"os=Linux",
		"hostname=alice-laptop",
		"arch=arm64",
		"id=process-id",
	}, gotTXT)

	self := adv.Descriptor("192.168.1.20")
	assert.Equal(t, "192.168.1.20", self.IP)
	assert.Equal(t, 21212, self.Port)
	assert.Equal(t, "_localdrop._tcp.local.", self.ServiceType)
	assert.Equal(t, "process-id", self.ID)
}

func TestAdvertiserStartStopAreIdempotent(t *testing.T) {
	var registrations int32
	adv := NewAdvertiser(Config{
		Log: quietLog(),
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			atomic.AddInt32(&registrations, 1)
			return nil, nil
		},
	})

	assert.Equal(t, StateStopped, adv.State())
	adv.Stop()
	assert.Equal(t, StateStopped, adv.State())

	require.NoError(t, adv.Start())
	require.NoError(t, adv.Start())
	assert.Equal(t, StateRunning, adv.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&registrations))

	require.NoError(t, adv.Restart())
	assert.Equal(t, StateRunning, adv.State())
	assert.Equal(t, int32(2), atomic.LoadInt32(&registrations))

	adv.Stop()
	adv.Stop()
	assert.Equal(t, StateStopped, adv.State())
}

func TestAdvertiserConcurrentTransitions(t *testing.T) {
	var active, maxActive int32
	adv := NewAdvertiser(Config{
		Log: quietLog(),
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = adv.Start()
			case 1:
				adv.Stop()
			default:
				_ = adv.Restart()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	state := adv.State()
	assert.True(t, state == StateStopped || state == StateRunning, "settled in %s", state)
	adv.Stop()
	assert.Equal(t, StateStopped, adv.State())
}

func TestAdvertiserRegisterFailureLeavesStopped(t *testing.T) {
	adv := NewAdvertiser(Config{
		Log: quietLog(),
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("no multicast")
		},
	})

	err := adv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no multicast")
	assert.Equal(t, StateStopped, adv.State())
}

func TestProcessIDIsStable(t *testing.T) {
	assert.NotEmpty(t, ProcessID())
	assert.Equal(t, ProcessID(), ProcessID())
}
