package netobserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ratepilot/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHost struct {
	t    *testing.T
	sys  string
	proc string
}

func newFakeHost(t *testing.T) *fakeHost {
	root := t.TempDir()
	h := &fakeHost{t: t, sys: filepath.Join(root, "sys"), proc: filepath.Join(root, "proc")}
	require.NoError(t, os.MkdirAll(filepath.Join(h.sys, "class", "net"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(h.proc, "net"), 0o755))
	return h
}

func (h *fakeHost) link(iface, operstate string, speedMbps int, wireless bool) {
	dir := filepath.Join(h.sys, "class", "net", iface)
	require.NoError(h.t, os.MkdirAll(dir, 0o755))
	require.NoError(h.t, os.WriteFile(filepath.Join(dir, "operstate"), []byte(operstate+"\n"), 0o644))
	if speedMbps > 0 {
		require.NoError(h.t, os.WriteFile(filepath.Join(dir, "speed"), []byte(fmt.Sprintf("%d\n", speedMbps)), 0o644))
	}
	if wireless {
		require.NoError(h.t, os.MkdirAll(filepath.Join(dir, "wireless"), 0o755))
	}
}

// stats writes /proc/net/dev with one line per interface: rx/tx packets and
// drops.
func (h *fakeHost) stats(lines map[string][4]uint64) {
	content := "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"
	for iface, v := range lines {
		content += fmt.Sprintf("%6s: 0 %d 0 %d 0 0 0 0 0 %d 0 %d 0 0 0 0\n", iface, v[0], v[1], v[2], v[3])
	}
	require.NoError(h.t, os.WriteFile(filepath.Join(h.proc, "net", "dev"), []byte(content), 0o644))
}

type route struct {
	iface       string
	destination string
	flags       string
	metric      int
}

// routes writes /proc/net/route in the kernel's tab separated layout.
func (h *fakeHost) routes(rs ...route) {
	content := "Iface\tDestination\tGateway \tFlags\tRefCnt\tUse\tMetric\tMask\t\tMTU\tWindow\tIRTT\n"
	for _, r := range rs {
		mask := "00000000"
		if r.destination != "00000000" {
			mask = "00FFFFFF"
		}
		content += fmt.Sprintf("%s\t%s\t0102A8C0\t%s\t0\t0\t%d\t%s\t0\t0\t0\n",
			r.iface, r.destination, r.flags, r.metric, mask)
	}
	require.NoError(h.t, os.WriteFile(filepath.Join(h.proc, "net", "route"), []byte(content), 0o644))
}

func (h *fakeHost) observer(iface string) *SysfsObserver {
	o, err := NewSysfsObserver(SysfsConfig{
		Interface:     iface,
		SysPath:       h.sys,
		ProcPath:      h.proc,
		WatchInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(h.t).Sugar())
	require.NoError(h.t, err)
	return o
}

func TestSysfsObserver_PollEthernet(t *testing.T) {
	host := newFakeHost(t)
	host.link("eth0", "up", 100, false)
	host.stats(map[string][4]uint64{"eth0": {1000, 0, 1000, 0}})

	o := host.observer("eth0")

	c, err := o.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100_000, c.BandwidthKbps)
	assert.Equal(t, domain.TransportEthernet, c.Transport)
	assert.False(t, c.Metered)
	assert.False(t, c.LatencyMeasured)
	assert.Equal(t, 0.0, c.PacketLossPct, "first poll has no baseline")

	// 95 packets delivered and 5 dropped since the previous poll
	host.stats(map[string][4]uint64{"eth0": {1050, 3, 1045, 2}})
	c, err = o.Poll(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 5.0, c.PacketLossPct, 1e-9)
}

func TestSysfsObserver_WirelessUsesDefaultBandwidth(t *testing.T) {
	host := newFakeHost(t)
	host.link("wlan0", "up", 0, true)
	host.stats(map[string][4]uint64{"wlan0": {10, 0, 10, 0}})

	c, err := host.observer("wlan0").Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TransportWiFi, c.Transport)
	assert.Equal(t, DefaultSysfsConfig().DefaultBandwidthKbps, c.BandwidthKbps)
}

func TestSysfsObserver_CellularIsMetered(t *testing.T) {
	host := newFakeHost(t)
	host.link("wwan0", "up", 0, false)
	host.stats(map[string][4]uint64{"wwan0": {10, 0, 10, 0}})

	c, err := host.observer("wwan0").Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TransportCellular, c.Transport)
	assert.True(t, c.Metered)
}

func TestSysfsObserver_PicksFirstOperationalInterface(t *testing.T) {
	host := newFakeHost(t)
	host.link("lo", "up", 0, false)
	host.link("eth0", "down", 1000, false)
	host.link("eth1", "up", 10, false)
	host.stats(map[string][4]uint64{"eth1": {1, 0, 1, 0}})

	c, err := host.observer("").Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10_000, c.BandwidthKbps)
}

func TestSysfsObserver_FollowsDefaultRoute(t *testing.T) {
	host := newFakeHost(t)
	host.link("br-4f1c", "up", 10_000, false)
	host.link("docker0", "up", 10_000, false)
	host.link("eth0", "up", 100, false)
	host.link("wlan0", "up", 0, true)
	host.stats(map[string][4]uint64{
		"br-4f1c": {1, 0, 1, 0},
		"docker0": {1, 0, 1, 0},
		"eth0":    {1, 0, 1, 0},
		"wlan0":   {1, 0, 1, 0},
	})
	host.routes(
		route{iface: "docker0", destination: "000011AC", flags: "0001", metric: 0},
		route{iface: "wlan0", destination: "00000000", flags: "0003", metric: 600},
		route{iface: "eth0", destination: "00000000", flags: "0003", metric: 100},
	)

	o := host.observer("")
	iface, err := o.defaultInterface()
	require.NoError(t, err)
	assert.Equal(t, "eth0", iface)

	c, err := o.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TransportEthernet, c.Transport)
	assert.Equal(t, 100_000, c.BandwidthKbps)

	// only the wireless default route is left
	host.routes(
		route{iface: "docker0", destination: "000011AC", flags: "0001", metric: 0},
		route{iface: "wlan0", destination: "00000000", flags: "0003", metric: 600},
	)
	c, err = o.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TransportWiFi, c.Transport)
}

func TestSysfsObserver_NoDefaultRouteFallsBackByName(t *testing.T) {
	host := newFakeHost(t)
	host.link("docker0", "up", 10_000, false)
	host.link("eth0", "up", 100, false)
	host.stats(map[string][4]uint64{"docker0": {1, 0, 1, 0}, "eth0": {1, 0, 1, 0}})
	host.routes(route{iface: "docker0", destination: "000011AC", flags: "0001", metric: 0})

	iface, err := host.observer("").defaultInterface()
	require.NoError(t, err)
	assert.Equal(t, "docker0", iface)
}

func TestSysfsObserver_WatchKeepsPollBaseline(t *testing.T) {
	host := newFakeHost(t)
	host.link("eth0", "up", 100, false)
	host.stats(map[string][4]uint64{"eth0": {1000, 0, 1000, 0}})

	o := host.observer("eth0")
	_, err := o.Poll(context.Background())
	require.NoError(t, err)

	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Watch(ctx, h) }()
	time.Sleep(20 * time.Millisecond)

	// 5 of 100 packets dropped, then a speed change fires the watch path
	host.stats(map[string][4]uint64{"eth0": {1050, 3, 1045, 2}})
	host.link("eth0", "up", 1000, false)
	require.Eventually(t, func() bool { changes, _ := h.counts(); return changes == 1 }, time.Second, time.Millisecond)

	c, err := o.Poll(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 5.0, c.PacketLossPct, 1e-9)
}

func TestSysfsObserver_LinkDown(t *testing.T) {
	host := newFakeHost(t)
	host.link("eth0", "down", 100, false)
	host.stats(map[string][4]uint64{})

	_, err := host.observer("eth0").Poll(context.Background())
	assert.ErrorIs(t, err, ErrLinkDown)

	_, err = host.observer("").Poll(context.Background())
	assert.ErrorIs(t, err, ErrLinkDown)
}

type recordingHandler struct {
	mu      sync.Mutex
	changes []domain.Capability
	lost    int
}

func (h *recordingHandler) OnCapabilityChanged(c domain.Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, c)
}

func (h *recordingHandler) OnLinkLost() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost++
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes), h.lost
}

func TestSysfsObserver_WatchReportsTransitions(t *testing.T) {
	host := newFakeHost(t)
	host.link("eth0", "up", 100, false)
	host.stats(map[string][4]uint64{"eth0": {1, 0, 1, 0}})

	o := host.observer("eth0")
	h := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Watch(ctx, h) }()

	// give Watch time to record the initial state
	time.Sleep(20 * time.Millisecond)
	host.link("eth0", "down", 100, false)
	require.Eventually(t, func() bool { _, lost := h.counts(); return lost == 1 }, time.Second, time.Millisecond)

	host.link("eth0", "up", 1000, false)
	require.Eventually(t, func() bool { changes, _ := h.counts(); return changes == 1 }, time.Second, time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, 1_000_000, h.changes[0].BandwidthKbps)
	h.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
