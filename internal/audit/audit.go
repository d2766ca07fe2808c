// Package audit emits the security audit trail: authentication attempts,
// command executions, file transfers and agent connection changes.
//
// Each event is a single structured log line. Where those lines are
// stored is up to the zap core the logger was built with.
package audit

import (
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Event names, written to the "event" field of every line.
const (
	EventAuth       = "AUTH"
	EventCommand    = "CMD"
	EventFile       = "FILE"
	EventConnection = "CONN"
)

// maxCommandLen caps the command text recorded in CMD events.
const maxCommandLen = 100

// Logger accepts the four audit event shapes.
// Implementations must be safe for concurrent use.
type Logger interface {
	Auth(user string, success bool, ip string)
	Command(user, target, command string)
	File(user, action, filename, target string)
	Connection(agentID, status, ip string)
}

// ZapLogger writes audit events through a zap logger.
type ZapLogger struct {
	log *zap.Logger
	now func() time.Time
}

// NewZapLogger returns an audit logger writing to a child of l named "audit".
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{log: l.Named("audit"), now: time.Now}
}

func (z *ZapLogger) Auth(user string, success bool, ip string) {
	z.log.Info(EventAuth,
		zap.String("event", EventAuth),
		zap.String("user", user),
		zap.Bool("success", success),
		zap.String("ip", ip),
		zap.String("time", z.stamp()),
	)
}

func (z *ZapLogger) Command(user, target, command string) {
	z.log.Info(EventCommand,
		zap.String("event", EventCommand),
		zap.String("user", user),
		zap.String("target", target),
		zap.String("cmd", TruncateCommand(command)),
		zap.String("time", z.stamp()),
	)
}

func (z *ZapLogger) File(user, action, filename, target string) {
	z.log.Info(EventFile,
		zap.String("event", EventFile),
		zap.String("user", user),
		zap.String("action", action),
		zap.String("file", filename),
		zap.String("target", target),
		zap.String("time", z.stamp()),
	)
}

func (z *ZapLogger) Connection(agentID, status, ip string) {
	z.log.Info(EventConnection,
		zap.String("event", EventConnection),
		zap.String("agent", agentID),
		zap.String("status", status),
		zap.String("ip", ip),
		zap.String("time", z.stamp()),
	)
}

// Sync flushes buffered audit lines.
func (z *ZapLogger) Sync() error {
	return z.log.Sync()
}

func (z *ZapLogger) stamp() string {
	return z.now().UTC().Format(time.RFC3339Nano)
}

// TruncateCommand shortens a command to at most 100 characters without
// splitting a multi-byte rune.
func TruncateCommand(command string) string {
	if utf8.RuneCountInString(command) <= maxCommandLen {
		return command
	}
	n := 0
	for i := range command {
		if n == maxCommandLen {
			return command[:i]
		}
		n++
	}
	return command
}

// Nop discards every event.
type Nop struct{}

func (Nop) Auth(string, bool, string)           {}
func (Nop) Command(string, string, string)      {}
func (Nop) File(string, string, string, string) {}
func (Nop) Connection(string, string, string)   {}
