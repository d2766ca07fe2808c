//go:build windows

package main

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/avaropoint/stark/internal/protocol"
)

// collectPlatformInfo gathers Windows-specific system details via CIM.
func collectPlatformInfo(ctx context.Context, c *Collector, info *protocol.SystemInfo) {
	info.PlatformRelease, info.PlatformVersion = windowsVersion(ctx)

	var err error
	info.MemoryTotal, info.MemoryAvailable, err = windowsMemory(ctx)
	c.skip("memory", err)

	c.skip("disk", windowsDisks(ctx, info.DiskUsage))

	info.UptimeSeconds, err = windowsUptime(ctx)
	c.skip("uptime", err)

	info.CPUPercent, err = windowsCPUPercent(ctx)
	c.skip("cpu", err)
}

func powershell(ctx context.Context, script string) (string, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// windowsVersion returns the major release ("10") and full build version.
func windowsVersion(ctx context.Context) (release, ver string) {
	out, err := powershell(ctx, `$v = [Environment]::OSVersion.Version; "$($v.Major) $v"`)
	if err != nil {
		return "", ""
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return "", out
	}
	return fields[0], fields[1]
}

// windowsMemory reads total and free physical memory.
func windowsMemory(ctx context.Context) (total, avail uint64, err error) {
	out, err := powershell(ctx, "$os = Get-CimInstance Win32_OperatingSystem; "+
		"\"$($os.TotalVisibleMemorySize) $($os.FreePhysicalMemory)\"")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return 0, 0, errors.New("unexpected memory output")
	}
	t, _ := strconv.ParseUint(fields[0], 10, 64)
	f, _ := strconv.ParseUint(fields[1], 10, 64)
	return t * 1024, f * 1024, nil // CIM reports in kB
}

// windowsDisks reads every local fixed disk.
func windowsDisks(ctx context.Context, out map[string]protocol.DiskUsage) error {
	raw, err := powershell(ctx, "Get-CimInstance Win32_LogicalDisk -Filter 'DriveType=3' | ForEach-Object { "+
		"\"$($_.DeviceID) $($_.FileSystem) $($_.Size) $($_.FreeSpace)\" }")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 4 {
			continue
		}
		total, errT := strconv.ParseUint(fields[2], 10, 64)
		free, errF := strconv.ParseUint(fields[3], 10, 64)
		if errT != nil || errF != nil || total == 0 {
			continue
		}
		used := total - free
		out[fields[0]] = protocol.DiskUsage{
			Mountpoint: fields[0] + `\`,
			FSType:     fields[1],
			Total:      total,
			Used:       used,
			Free:       free,
			Percent:    diskPercent(used, free),
		}
	}
	return nil
}

// windowsUptime reads system uptime in seconds.
func windowsUptime(ctx context.Context) (int64, error) {
	out, err := powershell(ctx, "([int](Get-CimInstance Win32_OperatingSystem).LastBootUpTime.Subtract("+
		"(Get-Date)).TotalSeconds) * -1")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(out, 10, 64)
}

// windowsCPUPercent reads the averaged processor load.
func windowsCPUPercent(ctx context.Context) (float64, error) {
	out, err := powershell(ctx, "(Get-CimInstance Win32_Processor | Measure-Object -Property LoadPercentage -Average).Average")
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.ReplaceAll(out, ",", "."), 64)
}
