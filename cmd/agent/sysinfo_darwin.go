//go:build darwin

package main

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/avaropoint/stark/internal/protocol"
)

// collectPlatformInfo gathers macOS-specific system details.
func collectPlatformInfo(ctx context.Context, c *Collector, info *protocol.SystemInfo) {
	info.PlatformRelease = commandOutput(ctx, "uname", "-r")
	info.PlatformVersion = commandOutput(ctx, "uname", "-v")

	var err error
	info.MemoryTotal, info.MemoryAvailable, err = macOSMemory(ctx)
	c.skip("memory", err)

	c.skip("disk", macOSDisks(ctx, info.DiskUsage))

	info.UptimeSeconds, err = macOSUptime(ctx)
	c.skip("uptime", err)

	info.CPUPercent, err = macOSCPUPercent(ctx)
	c.skip("cpu", err)
}

func commandOutput(ctx context.Context, name string, args ...string) string {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// macOSMemory reads total and available (free + inactive) memory.
func macOSMemory(ctx context.Context) (total, avail uint64, err error) {
	total = sysctlUint64(ctx, "hw.memsize")
	if total == 0 {
		return 0, 0, errors.New("hw.memsize unavailable")
	}

	// vm_stat gives pages; page size from hw.pagesize
	pageSize := sysctlUint64(ctx, "hw.pagesize")
	if pageSize == 0 {
		pageSize = 16384 // Apple Silicon default page size
	}

	out, err := exec.CommandContext(ctx, "vm_stat").Output()
	if err != nil {
		return total, 0, err
	}

	var freePages, inactivePages uint64
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "Pages free:") {
			freePages = parseVMStatValue(line)
		} else if strings.HasPrefix(line, "Pages inactive:") {
			inactivePages = parseVMStatValue(line)
		}
	}
	return total, (freePages + inactivePages) * pageSize, nil
}

func parseVMStatValue(line string) uint64 {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) < 2 {
		return 0
	}
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "."))
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// macOSDisks reads local mounts from mount(8).
// Lines look like: "/dev/disk3s1s1 on / (apfs, sealed, local, read-only)".
func macOSDisks(ctx context.Context, out map[string]protocol.DiskUsage) error {
	raw, err := exec.CommandContext(ctx, "mount").Output()
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		dev, rest, ok := strings.Cut(line, " on ")
		if !ok || !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		mp, opts, ok := strings.Cut(rest, " (")
		if !ok {
			continue
		}
		fstype, _, _ := strings.Cut(strings.TrimSuffix(opts, ")"), ",")
		if _, seen := out[dev]; seen {
			continue
		}
		du, err := diskUsage(mp, fstype)
		if err != nil {
			continue
		}
		out[dev] = du
	}
	return nil
}

// macOSUptime reads uptime via sysctl kern.boottime.
func macOSUptime(ctx context.Context) (int64, error) {
	out, err := exec.CommandContext(ctx, "sysctl", "-n", "kern.boottime").Output()
	if err != nil {
		return 0, err
	}
	// Output: "{ sec = 1707100000, usec = 0 } Thu Feb ..."
	s := string(out)
	const prefix = "sec = "
	idx := strings.Index(s, prefix)
	if idx < 0 {
		return 0, errors.New("unexpected kern.boottime format")
	}
	s = s[idx+len(prefix):]
	comma := strings.Index(s, ",")
	if comma < 0 {
		return 0, errors.New("unexpected kern.boottime format")
	}
	bootSec, err := strconv.ParseInt(s[:comma], 10, 64)
	if err != nil {
		return 0, err
	}
	return bootTimeToUptime(bootSec), nil
}

// macOSCPUPercent sums per-process CPU from ps and scales by core count.
func macOSCPUPercent(ctx context.Context) (float64, error) {
	out, err := exec.CommandContext(ctx, "ps", "-A", "-o", "%cpu=").Output()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, f := range strings.Fields(string(out)) {
		v, err := strconv.ParseFloat(f, 64)
		if err == nil {
			sum += v
		}
	}
	pct := sum / float64(runtime.NumCPU())
	if pct > 100 {
		pct = 100
	}
	return round1(pct), nil
}

// sysctlUint64 reads a numeric sysctl value using the sysctl CLI.
// syscall.Sysctl strips trailing null bytes from binary values,
// corrupting numbers like hw.memsize.
func sysctlUint64(ctx context.Context, name string) uint64 {
	v, _ := strconv.ParseUint(commandOutput(ctx, "sysctl", "-n", name), 10, 64)
	return v
}
