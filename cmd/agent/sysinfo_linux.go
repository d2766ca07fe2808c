//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avaropoint/stark/internal/protocol"
)

// collectPlatformInfo gathers Linux-specific system details from /proc.
func collectPlatformInfo(ctx context.Context, c *Collector, info *protocol.SystemInfo) {
	info.PlatformRelease = readTrimmed("/proc/sys/kernel/osrelease")
	info.PlatformVersion = readTrimmed("/proc/sys/kernel/version")

	var err error
	info.MemoryTotal, info.MemoryAvailable, err = linuxMemory()
	c.skip("memory", err)

	c.skip("disk", linuxDisks(info.DiskUsage))

	info.UptimeSeconds, err = linuxUptime()
	c.skip("uptime", err)

	info.CPUPercent, err = linuxCPUPercent(ctx, c.cpuWindow)
	c.skip("cpu", err)
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// linuxMemory reads /proc/meminfo for total and available memory.
func linuxMemory() (total, avail uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close() //nolint:errcheck
	return parseMeminfo(f)
}

func parseMeminfo(r io.Reader) (total, avail uint64, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		val, _ := strconv.ParseUint(fields[1], 10, 64)
		val *= 1024 // /proc/meminfo reports in kB

		switch fields[0] {
		case "MemTotal:":
			total = val
		case "MemAvailable:":
			avail = val
		}
	}
	if total == 0 {
		return 0, 0, errors.New("MemTotal not found")
	}
	return total, avail, sc.Err()
}

type mountEntry struct {
	device, mountpoint, fstype string
}

// linuxDisks fills usage for each block-device mount, keyed by device.
// Mounts that cannot be queried are skipped.
func linuxDisks(out map[string]protocol.DiskUsage) error {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	mounts, err := parseMounts(f)
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if _, seen := out[m.device]; seen {
			continue
		}
		du, err := diskUsage(m.mountpoint, m.fstype)
		if err != nil {
			continue
		}
		out[m.device] = du
	}
	return nil
}

// parseMounts returns the /dev-backed entries of a mounts table.
func parseMounts(r io.Reader) ([]mountEntry, error) {
	var out []mountEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		// Spaces in mount points are octal-escaped.
		mp := strings.ReplaceAll(fields[1], `\040`, " ")
		out = append(out, mountEntry{device: fields[0], mountpoint: mp, fstype: fields[2]})
	}
	return out, sc.Err()
}

// linuxUptime reads /proc/uptime.
func linuxUptime() (int64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, errors.New("empty /proc/uptime")
	}
	sec, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return int64(sec), nil
}

// cpuTimes is the aggregate cpu line of /proc/stat.
type cpuTimes struct {
	idle, total uint64
}

// linuxCPUPercent samples /proc/stat twice, window apart.
func linuxCPUPercent(ctx context.Context, window time.Duration) (float64, error) {
	a, err := readCPUTimes()
	if err != nil {
		return 0, err
	}
	if err := sleepCtx(ctx, window); err != nil {
		return 0, err
	}
	b, err := readCPUTimes()
	if err != nil {
		return 0, err
	}
	return cpuPercent(a, b), nil
}

func readCPUTimes() (cpuTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close() //nolint:errcheck
	return parseCPUTimes(f)
}

func parseCPUTimes(r io.Reader) (cpuTimes, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("parse /proc/stat: %w", err)
			}
			// Fields 8 and 9 (guest, guest_nice) are already in user/nice.
			if i >= 8 {
				break
			}
			t.total += v
			if i == 3 || i == 4 { // idle, iowait
				t.idle += v
			}
		}
		return t, nil
	}
	if err := sc.Err(); err != nil {
		return cpuTimes{}, err
	}
	return cpuTimes{}, errors.New("no cpu line in /proc/stat")
}

func cpuPercent(a, b cpuTimes) float64 {
	if b.total <= a.total {
		return 0
	}
	total := b.total - a.total
	idle := b.idle - a.idle
	if idle > total {
		idle = total
	}
	return round1(float64(total-idle) / float64(total) * 100)
}
