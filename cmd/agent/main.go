// Command agent runs the endpoint agent that connects to the server,
// reports telemetry, and executes administrator commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/config"
	"github.com/avaropoint/stark/internal/logging"
	"github.com/avaropoint/stark/internal/version"
)

// reconnectAttempts is the number of tries in one backoff round. After
// a round is exhausted the agent pauses for the maximum delay and starts
// a fresh round, so it never gives up.
const reconnectAttempts = 8

func main() {
	configPath := flag.String("config", "", "Config file path (default: search for stark-agent.yaml)")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("Agent starting",
		zap.String("version", version.String()),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("server", cfg.Server.URL()))

	id, err := LoadIdentity(cfg.Agent.Identity, cfg.Agent.DataDir, getHostname())
	if err != nil {
		if id.ID == "" {
			log.Fatal("Identity unavailable", zap.Error(err))
		}
		log.Warn("Identity seed not persisted, ID will change on restart", zap.Error(err))
	}
	log.Info("Agent identity", zap.String("agent_id", id.ID), zap.String("mode", cfg.Agent.Identity))

	auditor := audit.NewZapLogger(log)
	defer auditor.Sync() //nolint:errcheck

	agent, err := NewAgent(cfg, id, auditor, log)
	if err != nil {
		log.Fatal("Agent setup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runWithReconnect(ctx, log, cfg.Reconnect, agent.run)
	log.Info("Agent stopped")
}

// runWithReconnect calls run until ctx is cancelled, backing off
// exponentially between failed attempts.
func runWithReconnect(ctx context.Context, log *zap.Logger, rc config.ReconnectConfig, run func(context.Context) error) {
	for ctx.Err() == nil {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(reconnectAttempts),
			retry.DelayType(func(n uint, err error, _ retry.DelayContext) time.Duration {
				d := backoff(n, rc.Delay, rc.MaxDelay)
				log.Info("Reconnecting", zap.Error(err), zap.Duration("delay", d))
				return d
			}),
		)

		var established bool
		err := r.Do(func() error {
			start := time.Now()
			err := run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("connection ended")
			}
			if errors.Is(err, errAuthRejected) {
				log.Error("Token rejected; check auth.token", zap.Error(err))
			} else if time.Since(start) > rc.MaxDelay {
				// A long-lived session ends the round so backoff restarts
				// from the base delay.
				log.Warn("Connection lost", zap.Error(err))
				established = true
				return nil
			}
			return err
		})
		if ctx.Err() != nil {
			return
		}
		pause := rc.MaxDelay
		if established {
			pause = rc.Delay
		} else {
			log.Warn("Reconnect round exhausted", zap.Error(err))
		}
		if sleepCtx(ctx, pause) != nil {
			return
		}
	}
}

// backoff doubles base for every attempt up to max.
func backoff(n uint, base, max time.Duration) time.Duration {
	if max < base {
		max = base
	}
	if n > 16 {
		n = 16
	}
	d := base << n
	if d <= 0 || d > max {
		return max
	}
	return d
}
