// Command server runs the control server that brokers connections
// between remote agents and administrators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/config"
	"github.com/avaropoint/stark/internal/logging"
	"github.com/avaropoint/stark/internal/metrics"
	"github.com/avaropoint/stark/internal/registry"
	"github.com/avaropoint/stark/internal/security"
	"github.com/avaropoint/stark/internal/store"
	"github.com/avaropoint/stark/internal/version"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	dbFile            = "stark.db"
)

func main() {
	configPath := flag.String("config", "", "Config file path (default: search for stark-server.yaml)")
	issueToken := flag.String("issue-token", "", "Issue an agent token with this owner label, print it and exit")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
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

	if err := run(cfg, log, *issueToken); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Server, log *zap.Logger, issueToken string) error {
	log.Info("Server starting", zap.String("version", version.String()))

	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	platform, err := security.LoadOrCreatePlatform(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("platform identity: %w", err)
	}
	log.Info("Platform identity", zap.String("fingerprint", platform.Fingerprint()))

	// Tokens and admin records always live in SQLite. Sessions are only
	// written through when a database path is configured.
	dbPath := cfg.Server.Database
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Server.DataDir, dbFile)
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	sessions := security.NewSessionIssuer(platform.SessionKey(), cfg.Auth.SessionTTL)
	creds, err := security.NewCredentials(st, st, sessions, cfg.Auth.TokenBytes)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if issueToken != "" {
		rec, value, err := creds.GenerateToken(ctx, issueToken)
		if err != nil {
			return err
		}
		fmt.Printf("Agent token for %q (id %s):\n%s\n", rec.OwnerLabel, rec.ID, value)
		return nil
	}

	if err := seedAdmin(ctx, cfg.Admin, creds, log); err != nil {
		return err
	}

	auditor := audit.NewZapLogger(log)
	defer auditor.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var persister registry.Persister
	if cfg.Server.Database != "" {
		persister = st
	}
	agents := registry.New(registry.Options{
		Audit:     auditor,
		Metrics:   m,
		Persister: persister,
		Logger:    log,
	})
	if err := agents.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	proxies, err := security.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	var promh http.Handler
	if cfg.Metrics.Enabled {
		promh = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	srv := NewServer(ServerOptions{
		Registry:       agents,
		Credentials:    creds,
		Audit:          auditor,
		Metrics:        m,
		MetricsHandler: promh,
		Limiter:        security.NewRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst),
		TrustedProxies: proxies,
		Heartbeat:      cfg.Heartbeat,
		Logger:         log,
	})

	mode, err := security.ParseTLSMode(cfg.Server.TLS)
	if err != nil {
		return err
	}
	tlsRes, err := security.SetupTLS(security.TLSOptions{
		Mode:     mode,
		DataDir:  cfg.Server.DataDir,
		CertFile: cfg.Server.CertFile,
		KeyFile:  cfg.Server.KeyFile,
		Domains:  cfg.Server.Domains,
	})
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsRes.Paths != nil {
		log.Info("Self-signed CA ready; distribute it to agents",
			zap.String("ca_cert", tlsRes.Paths.CACertPath))
	}
	if mode == security.TLSModeOff {
		log.Warn("TLS disabled; agent tokens travel in cleartext")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Routes(),
		TLSConfig:         tlsRes.Config,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ln, err := net.Listen("tcp", httpSrv.Addr)
		if err != nil {
			return err
		}
		log.Info("Listening", zap.String("addr", httpSrv.Addr), zap.String("tls", string(mode)))
		if tlsRes.Config != nil {
			err = httpSrv.ServeTLS(ln, "", "")
		} else {
			err = httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var challengeSrv *http.Server
	if tlsRes.ACMEManager != nil {
		challengeSrv = &http.Server{
			Addr:              ":80",
			Handler:           tlsRes.ACMEManager.HTTPHandler(nil),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			log.Info("ACME challenge listener", zap.String("addr", challengeSrv.Addr))
			if err := challengeSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if challengeSrv != nil {
			challengeSrv.Shutdown(sctx) //nolint:errcheck
		}
		err := httpSrv.Shutdown(sctx)
		agents.DisconnectAll()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

// seedAdmin installs the configured administrator password. Without one
// a random password is generated and printed once.
func seedAdmin(ctx context.Context, admin config.AdminConfig, creds *security.Credentials, log *zap.Logger) error {
	if admin.User == "" {
		log.Warn("No admin user configured; admin API login disabled")
		return nil
	}
	password := admin.Password
	if password == "" {
		generated, err := security.NewTokenValue(security.MinTokenBytes)
		if err != nil {
			return err
		}
		password = generated
		fmt.Fprintf(os.Stderr, "Generated admin password for %q: %s\n", admin.User, password)
		log.Warn("Admin password not configured; generated a one-time password", zap.String("user", admin.User))
	}
	if err := creds.EnsureAdmin(ctx, admin.User, password); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	return nil
}
