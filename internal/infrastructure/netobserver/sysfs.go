package netobserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/core/ports"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
	"go.uber.org/zap"
)

var ErrLinkDown = errors.New("network link down")

var errNoDefaultRoute = errors.New("no default route")

// RTF_UP in /proc/net/route flags.
const routeFlagUp = 0x1

var cellularPrefixes = []string{"wwan", "rmnet", "ppp", "usb"}

type SysfsConfig struct {
	// Interface to observe. Empty follows the default route on each poll,
	// falling back to the first operational non-loopback interface.
	Interface string
	SysPath   string
	ProcPath  string

	WatchInterval time.Duration
	// DefaultBandwidthKbps is reported when the driver exposes no link speed,
	// which is the norm for wireless interfaces.
	DefaultBandwidthKbps int
}

func DefaultSysfsConfig() SysfsConfig {
	return SysfsConfig{
		SysPath:              sysfs.DefaultMountPoint,
		ProcPath:             procfs.DefaultMountPoint,
		WatchInterval:        time.Second,
		DefaultBandwidthKbps: 5_000,
	}
}

type linkCounters struct {
	packets  uint64
	failures uint64
}

type linkState struct {
	iface     string
	up        bool
	bandwidth int
	transport domain.TransportType
}

// SysfsObserver reads link capability from Linux sysfs and packet
// statistics from /proc/net/dev.
type SysfsObserver struct {
	cfg    SysfsConfig
	sys    sysfs.FS
	proc   procfs.FS
	logger *zap.SugaredLogger
	now    func() time.Time

	// Poll and Watch measure loss against separate counter baselines.
	mu        sync.Mutex
	pollLast  map[string]linkCounters
	watchLast map[string]linkCounters
}

func NewSysfsObserver(cfg SysfsConfig, logger *zap.SugaredLogger) (*SysfsObserver, error) {
	defaults := DefaultSysfsConfig()
	if cfg.SysPath == "" {
		cfg.SysPath = defaults.SysPath
	}
	if cfg.ProcPath == "" {
		cfg.ProcPath = defaults.ProcPath
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaults.WatchInterval
	}
	if cfg.DefaultBandwidthKbps <= 0 {
		cfg.DefaultBandwidthKbps = defaults.DefaultBandwidthKbps
	}

	sys, err := sysfs.NewFS(cfg.SysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs at %s: %w", cfg.SysPath, err)
	}
	proc, err := procfs.NewFS(cfg.ProcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", cfg.ProcPath, err)
	}

	return &SysfsObserver{
		cfg:       cfg,
		sys:       sys,
		proc:      proc,
		logger:    logger,
		now:       time.Now,
		pollLast:  make(map[string]linkCounters),
		watchLast: make(map[string]linkCounters),
	}, nil
}

// Poll returns the current capability of the observed link. Packet loss is
// the share of failed packets since the previous poll.
func (o *SysfsObserver) Poll(ctx context.Context) (domain.Capability, error) {
	if err := ctx.Err(); err != nil {
		return domain.Capability{}, err
	}
	state, err := o.state()
	if err != nil {
		return domain.Capability{}, err
	}
	if !state.up {
		return domain.Capability{}, fmt.Errorf("%w: %s", ErrLinkDown, state.iface)
	}
	return o.capability(state, o.pollLast), nil
}

// capability samples state, measuring loss against the baselines in last.
func (o *SysfsObserver) capability(state linkState, last map[string]linkCounters) domain.Capability {
	lossPct, err := o.lossSince(state.iface, last)
	if err != nil {
		o.logger.Debugw("packet statistics unavailable", "interface", state.iface, "error", err)
	}

	return domain.Capability{
		BandwidthKbps: state.bandwidth,
		PacketLossPct: lossPct,
		Transport:     state.transport,
		Metered:       state.transport == domain.TransportCellular,
		Timestamp:     o.now(),
	}
}

// Watch polls the link state and reports transitions to h until ctx is
// done.
func (o *SysfsObserver) Watch(ctx context.Context, h ports.CapabilityHandler) error {
	ticker := time.NewTicker(o.cfg.WatchInterval)
	defer ticker.Stop()

	var prev linkState
	if s, err := o.state(); err == nil {
		prev = s
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cur, err := o.state()
		if err != nil {
			cur = linkState{}
		}

		switch {
		case prev.up && !cur.up:
			o.logger.Warnw("network link lost", "interface", prev.iface)
			h.OnLinkLost()
		case cur.up && cur != prev:
			c := o.capability(cur, o.watchLast)
			o.logger.Infow("network link changed",
				"interface", cur.iface,
				"transport", cur.transport,
				"bandwidth_kbps", cur.bandwidth,
			)
			h.OnCapabilityChanged(c)
		}
		prev = cur
	}
}

func (o *SysfsObserver) state() (linkState, error) {
	iface := o.cfg.Interface
	if iface == "" {
		var err error
		if iface, err = o.defaultInterface(); err != nil {
			return linkState{}, err
		}
	}

	nc, err := o.sys.NetClassByIface(iface)
	if err != nil {
		return linkState{}, fmt.Errorf("failed to read interface %s: %w", iface, err)
	}

	bandwidth := o.cfg.DefaultBandwidthKbps
	if nc.Speed != nil && *nc.Speed > 0 {
		bandwidth = int(*nc.Speed) * 1000
	}
	return linkState{
		iface:     iface,
		up:        nc.OperState == "up",
		bandwidth: bandwidth,
		transport: o.transportOf(iface),
	}, nil
}

// defaultInterface returns the interface carrying the default route with the
// lowest metric. Without a usable route table it falls back to the first
// operational non-loopback interface by name.
func (o *SysfsObserver) defaultInterface() (string, error) {
	iface, err := o.defaultRouteInterface()
	if err == nil {
		return iface, nil
	}
	o.logger.Debugw("no default route, picking first operational interface", "error", err)

	classes, err := o.sys.NetClass()
	if err != nil {
		return "", fmt.Errorf("failed to list network interfaces: %w", err)
	}
	names := make([]string, 0, len(classes))
	for name, nc := range classes {
		if name == "lo" || nc.OperState != "up" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", ErrLinkDown
	}
	sort.Strings(names)
	return names[0], nil
}

func (o *SysfsObserver) defaultRouteInterface() (string, error) {
	routes, err := o.proc.NetRoute()
	if err != nil {
		return "", fmt.Errorf("failed to read route table: %w", err)
	}

	best := ""
	var bestMetric uint32
	for _, r := range routes {
		if r.Destination != 0 || r.Mask != 0 || r.Flags&routeFlagUp == 0 {
			continue
		}
		if best == "" || r.Metric < bestMetric {
			best, bestMetric = r.Iface, r.Metric
		}
	}
	if best == "" {
		return "", errNoDefaultRoute
	}
	return best, nil
}

func (o *SysfsObserver) transportOf(iface string) domain.TransportType {
	if _, err := os.Stat(filepath.Join(o.cfg.SysPath, "class", "net", iface, "wireless")); err == nil {
		return domain.TransportWiFi
	}
	for _, prefix := range cellularPrefixes {
		if strings.HasPrefix(iface, prefix) {
			return domain.TransportCellular
		}
	}
	return domain.TransportEthernet
}

func (o *SysfsObserver) lossSince(iface string, last map[string]linkCounters) (float64, error) {
	dev, err := o.proc.NetDev()
	if err != nil {
		return 0, err
	}
	line, ok := dev[iface]
	if !ok {
		return 0, fmt.Errorf("interface %s missing from net/dev", iface)
	}
	cur := linkCounters{
		packets:  line.RxPackets + line.TxPackets,
		failures: line.RxErrors + line.RxDropped + line.TxErrors + line.TxDropped,
	}

	o.mu.Lock()
	prev, seen := last[iface]
	last[iface] = cur
	o.mu.Unlock()

	// counters reset when the interface is re-created
	if !seen || cur.packets < prev.packets || cur.failures < prev.failures {
		return 0, nil
	}
	sent := cur.packets - prev.packets
	failed := cur.failures - prev.failures
	if sent+failed == 0 {
		return 0, nil
	}
	return 100 * float64(failed) / float64(sent+failed), nil
}
