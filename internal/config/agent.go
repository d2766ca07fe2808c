package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Identity modes for agent.identity.
const (
	IdentityStable   = "stable"
	IdentityVolatile = "volatile"
)

// Agent is the endpoint agent's configuration.
type Agent struct {
	Server    DialConfig      `mapstructure:"server"`
	Auth      AgentAuth       `mapstructure:"auth"`
	Agent     AgentIdentity   `mapstructure:"agent"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Files     FilesConfig     `mapstructure:"files"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Log       LogConfig       `mapstructure:"log"`
}

// DialConfig locates the control server.
type DialConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	TLS                bool   `mapstructure:"tls"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// URL returns the agent WebSocket endpoint.
func (d DialConfig) URL() string {
	scheme := "ws"
	if d.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/ws/agent",
	}
	return u.String()
}

// AgentAuth carries the agent's credential.
type AgentAuth struct {
	Token string `mapstructure:"token"`
}

// AgentIdentity controls how the agent names itself.
type AgentIdentity struct {
	Name     string `mapstructure:"name"` // display name, defaults to hostname
	DataDir  string `mapstructure:"data_dir"`
	Identity string `mapstructure:"identity"` // stable, volatile
}

// ExecConfig bounds command execution.
type ExecConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxOutput int           `mapstructure:"max_output"`
	Workers   int           `mapstructure:"workers"`
	Queue     int           `mapstructure:"queue"`
}

// FilesConfig bounds file transfers.
type FilesConfig struct {
	MaxSize int64 `mapstructure:"max_size"`
}

// TelemetryConfig sets the unsolicited sysinfo report period.
type TelemetryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ReconnectConfig sets the backoff between connection attempts.
type ReconnectConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// LoadAgent reads the agent configuration. An empty path searches for
// stark-agent.yaml; a missing file is not an error.
func LoadAgent(path string) (*Agent, error) {
	var cfg Agent
	if err := load(path, "stark-agent", setAgentDefaults, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.tls", true)
	v.SetDefault("server.ca_file", "")
	v.SetDefault("server.insecure_skip_verify", false)
	v.SetDefault("auth.token", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.data_dir", "./agent-data")
	v.SetDefault("agent.identity", IdentityStable)
	v.SetDefault("exec.timeout", 60*time.Second)
	v.SetDefault("exec.max_output", 1<<20)
	v.SetDefault("exec.workers", 4)
	v.SetDefault("exec.queue", 32)
	v.SetDefault("files.max_size", 16<<20)
	v.SetDefault("telemetry.interval", 5*time.Minute)
	v.SetDefault("reconnect.delay", 5*time.Second)
	v.SetDefault("reconnect.max_delay", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects settings the agent cannot run with.
func (c *Agent) Validate() error {
	if c.Auth.Token == "" {
		return errors.New("auth.token is required (set STARK_AUTH_TOKEN)")
	}
	if err := validPort(c.Server.Port); err != nil {
		return fmt.Errorf("server.port: %w", err)
	}
	if err := validLog(c.Log); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	switch c.Agent.Identity {
	case IdentityStable, IdentityVolatile:
	default:
		return fmt.Errorf("agent.identity: unknown mode %q", c.Agent.Identity)
	}
	if err := positive("exec.timeout", c.Exec.Timeout); err != nil {
		return err
	}
	if c.Exec.Workers < 1 {
		return errors.New("exec.workers must be at least 1")
	}
	if c.Files.MaxSize <= 0 {
		return errors.New("files.max_size must be positive")
	}
	if err := positive("reconnect.delay", c.Reconnect.Delay); err != nil {
		return err
	}
	return nil
}
