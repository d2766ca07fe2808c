package main

import (
	"context"
	"net"
	"os"
	"os/user"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/protocol"
	"github.com/avaropoint/stark/internal/version"
)

// cpuSampleWindow is how long CPU utilisation is measured for.
const cpuSampleWindow = 500 * time.Millisecond

// Collector gathers telemetry about the host device. Each section is
// collected independently; a section that fails is left empty and
// logged at debug level.
type Collector struct {
	agentID   string
	name      string
	cpuWindow time.Duration
	log       *zap.Logger
}

// NewCollector creates a collector that stamps snapshots with agentID.
// An empty name defaults to the hostname.
func NewCollector(agentID, name string, log *zap.Logger) *Collector {
	return &Collector{
		agentID:   agentID,
		name:      name,
		cpuWindow: cpuSampleWindow,
		log:       log.Named("sysinfo"),
	}
}

// Collect gathers a snapshot using stdlib and platform-native commands.
// No third-party tools are required.
func (c *Collector) Collect(ctx context.Context) protocol.SystemInfo {
	hostname := getHostname()
	name := c.name
	if name == "" {
		name = hostname
	}

	info := protocol.SystemInfo{
		AgentID:      c.agentID,
		Name:         name,
		Hostname:     hostname,
		Platform:     platformName(),
		Architecture: runtime.GOARCH,
		CPUCount:     runtime.NumCPU(),
		DiskUsage:    map[string]protocol.DiskUsage{},
		AgentVersion: version.Version,
	}

	// Platform-specific collection
	collectPlatformInfo(ctx, c, &info)

	if info.MemoryTotal > 0 {
		info.MemoryPercent = round1(float64(info.MemoryTotal-info.MemoryAvailable) / float64(info.MemoryTotal) * 100)
	}

	// Cross-platform: IPv4 per interface (pure stdlib)
	ifaces, err := collectInterfaces()
	c.skip("network", err)
	info.NetworkInterfaces = ifaces

	// Cross-platform: current user
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
	}

	info.Timestamp = protocol.Now()
	return info
}

// skip records a section that could not be collected.
func (c *Collector) skip(section string, err error) {
	if err != nil {
		c.log.Debug("Telemetry section skipped", zap.String("section", section), zap.Error(err))
	}
}

// platformName returns the OS family in its conventional spelling.
func platformName() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "Darwin"
	case "freebsd":
		return "FreeBSD"
	}
	return runtime.GOOS
}

// collectInterfaces returns every IPv4 address bound to an up,
// non-loopback interface.
func collectInterfaces() ([]protocol.InterfaceAddr, error) {
	out := []protocol.InterfaceAddr{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return out, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := extractIPv4(addr); ip != "" {
				out = append(out, protocol.InterfaceAddr{Interface: iface.Name, IP: ip})
			}
		}
	}
	return out, nil
}

// extractIPv4 returns the string form of a non-loopback IPv4 address.
func extractIPv4(addr net.Addr) string {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	if ip == nil || ip.IsLoopback() {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ""
}

// getHostname returns the system hostname or "unknown".
func getHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// bootTimeToUptime converts a boot Unix timestamp (seconds) to uptime.
func bootTimeToUptime(bootEpoch int64) int64 {
	return time.Now().Unix() - bootEpoch
}

// diskPercent is used/(used+available) as df reports it.
func diskPercent(used, free uint64) float64 {
	if used+free == 0 {
		return 0
	}
	return round1(float64(used) / float64(used+free) * 100)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
