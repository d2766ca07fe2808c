//go:build !linux && !darwin && !windows

package main

import (
	"context"

	"github.com/avaropoint/stark/internal/protocol"
)

// collectPlatformInfo only reports the portable fields on this OS.
func collectPlatformInfo(_ context.Context, c *Collector, _ *protocol.SystemInfo) {
	c.log.Debug("No platform collector for this OS")
}
