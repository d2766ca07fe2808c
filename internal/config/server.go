package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Server is the control server's configuration.
type Server struct {
	Server    ListenConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ListenConfig describes the listener, TLS and on-disk state.
type ListenConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	DataDir  string   `mapstructure:"data_dir"`
	Database string   `mapstructure:"database"` // empty disables session persistence
	TLS      string   `mapstructure:"tls"`      // off, self-signed, acme, custom
	CertFile string   `mapstructure:"cert_file"`
	KeyFile  string   `mapstructure:"key_file"`
	Domains  []string `mapstructure:"domains"`

	// TrustedProxies lists peers (IPs or CIDRs) whose X-Real-IP and
	// X-Forwarded-For headers are honoured. Empty trusts no one.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Addr returns host:port for net.Listen.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// AdminConfig seeds the administrator account on startup.
type AdminConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// AuthConfig tunes session tokens and authentication throttling.
type AuthConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	RateLimit  float64       `mapstructure:"rate_limit"` // attempts per second per client
	RateBurst  int           `mapstructure:"rate_burst"`
	TokenBytes int           `mapstructure:"token_bytes"`
}

// HeartbeatConfig controls liveness detection of agent connections.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadServer reads the server configuration. An empty path searches for
// stark-server.yaml; a missing file is not an error.
func LoadServer(path string) (*Server, error) {
	var cfg Server
	if err := load(path, "stark-server", setServerDefaults, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.database", "")
	v.SetDefault("server.tls", "self-signed")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.domains", []string{})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("admin.user", "admin")
	v.SetDefault("admin.password", "")
	v.SetDefault("auth.session_ttl", 12*time.Hour)
	v.SetDefault("auth.rate_limit", 5.0)
	v.SetDefault("auth.rate_burst", 10)
	v.SetDefault("auth.token_bytes", 32)
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.timeout", 90*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
}

// Validate rejects settings the server cannot run with.
func (c *Server) Validate() error {
	if err := validPort(c.Server.Port); err != nil {
		return fmt.Errorf("server.port: %w", err)
	}
	if err := validLog(c.Log); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if err := positive("auth.session_ttl", c.Auth.SessionTTL); err != nil {
		return err
	}
	if c.Auth.RateLimit <= 0 || c.Auth.RateBurst < 1 {
		return errors.New("auth.rate_limit and auth.rate_burst must be positive")
	}
	if err := positive("heartbeat.interval", c.Heartbeat.Interval); err != nil {
		return err
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return errors.New("heartbeat.timeout must exceed heartbeat.interval")
	}
	return nil
}
