package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/config"
	"github.com/avaropoint/stark/internal/executor"
	"github.com/avaropoint/stark/internal/protocol"
	"github.com/avaropoint/stark/internal/security"
	"github.com/avaropoint/stark/internal/transport"
	"github.com/avaropoint/stark/internal/version"
)

const (
	// handshakeTimeout bounds the wait for the server's auth reply.
	handshakeTimeout = 30 * time.Second

	// readTimeout is how long the server may stay silent before the
	// connection is considered dead. The server pings every 30s.
	readTimeout = 90 * time.Second
)

// errAuthRejected means the server refused the token.
var errAuthRejected = errors.New("authentication rejected by server")

// Agent handles the connection to the server and runs the requests it
// receives.
type Agent struct {
	cfg       *config.Agent
	identity  Identity
	dialer    *websocket.Dialer
	exec      *executor.Executor
	collector *Collector
	files     *fileHandler
	log       *zap.Logger
}

// NewAgent prepares an agent; it does not connect.
func NewAgent(cfg *config.Agent, id Identity, auditor audit.Logger, log *zap.Logger) (*Agent, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if cfg.Server.TLS {
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify, //nolint:gosec // opt-in for lab setups
		}
		if cfg.Server.CAFile != "" {
			pool, err := security.LoadCAPool(cfg.Server.CAFile)
			if err != nil {
				return nil, err
			}
			tlsCfg.RootCAs = pool
		}
		dialer.TLSClientConfig = tlsCfg
	}

	return &Agent{
		cfg:      cfg,
		identity: id,
		dialer:   dialer,
		exec: executor.New(executor.Config{
			Timeout:   cfg.Exec.Timeout,
			MaxOutput: cfg.Exec.MaxOutput,
		}, auditor, log),
		collector: NewCollector(id.ID, cfg.Agent.Name, log),
		files:     newFileHandler(cfg.Files.MaxSize, auditor, id.ID),
		log:       log,
	}, nil
}

// run connects, authenticates and serves requests until the connection
// drops or ctx is cancelled.
func (a *Agent) run(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.Server.URL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := transport.New(ws, a.log)
	defer conn.Close() //nolint:errcheck

	a.log.Info("Connected to server", zap.String("url", a.cfg.Server.URL()))

	if err := a.authenticate(conn); err != nil {
		return err
	}
	a.log.Info("Authentication accepted", zap.String("agent_id", a.identity.ID))

	sessCtx, cancel := context.WithCancel(ctx)
	pool := executor.NewPool(sessCtx, a.cfg.Exec.Workers, a.cfg.Exec.Queue)
	defer func() {
		cancel()
		pool.Close()
	}()

	router := a.routes(conn, pool)

	// Registration: the first sysinfo after auth.
	if err := a.sendSysinfo(sessCtx, conn); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	go a.telemetryLoop(sessCtx, conn)

	// Unblock the read loop when the agent is shutting down.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close() //nolint:errcheck
		case <-sessCtx.Done():
		}
	}()

	for {
		env, err := conn.Read(readTimeout)
		if errors.Is(err, protocol.ErrMalformed) {
			a.log.Warn("Dropping malformed message", zap.Error(err))
			a.sendError(conn, protocol.ErrCodeBadMessage, err.Error())
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if transport.IsClosedError(err) {
				return errors.New("server closed connection")
			}
			return fmt.Errorf("read: %w", err)
		}

		if err := router.Dispatch(sessCtx, env); err != nil {
			a.log.Warn("Message not handled", zap.String("type", string(env.Type)), zap.Error(err))
			code := protocol.ErrCodeBadMessage
			if errors.Is(err, protocol.ErrUnknownType) {
				code = protocol.ErrCodeUnsupported
			}
			a.sendError(conn, code, err.Error())
		}
	}
}

// authenticate performs the token handshake.
func (a *Agent) authenticate(conn *transport.Conn) error {
	env, err := protocol.New(protocol.TypeAuth, protocol.AuthRequest{
		Token:    a.cfg.Auth.Token,
		AgentID:  a.identity.ID,
		Hostname: a.identity.Hostname,
		Version:  version.Version,
	}, a.identity.ID)
	if err != nil {
		return err
	}
	if err := conn.Send(env); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	reply, err := conn.Read(handshakeTimeout)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch reply.Type {
	case protocol.TypeAuth:
		resp, err := protocol.DecodeData[protocol.AuthResponse](reply)
		if err != nil {
			return err
		}
		if !resp.Accepted {
			return errAuthRejected
		}
		return nil
	case protocol.TypeError:
		if p, err := protocol.DecodeData[protocol.ErrorPayload](reply); err == nil && p.Code == protocol.ErrCodeAuthFailed {
			return errAuthRejected
		}
		return fmt.Errorf("server error during handshake")
	}
	return fmt.Errorf("unexpected handshake reply %q", reply.Type)
}

// routes wires each inbound message type to its handler. Commands and
// file operations go to the worker pool so the read loop never blocks.
func (a *Agent) routes(conn *transport.Conn, pool *executor.Pool) *protocol.Router {
	r := protocol.NewRouter()

	reply := func(res protocol.CommandResult) {
		a.sendResult(conn, res)
	}

	r.Handle(protocol.TypeCommand, protocol.Typed(func(_ context.Context, _ protocol.Envelope, req protocol.CommandRequest) error {
		a.log.Info("Command received", zap.String("command_id", req.CommandID), zap.String("shell", req.Shell))
		pool.Submit(a.exec.CommandJob(executor.Request{
			CommandID: req.CommandID,
			Command:   req.Command,
			Shell:     req.Shell,
			Principal: req.IssuedBy,
			Target:    a.identity.ID,
		}, reply))
		return nil
	}))

	r.Handle(protocol.TypeFileUpload, protocol.Typed(func(_ context.Context, _ protocol.Envelope, req protocol.FileUpload) error {
		pool.Submit(executor.Job{
			ID:   req.CommandID,
			Run:  func(ctx context.Context) protocol.CommandResult { return a.files.upload(req) },
			Done: reply,
		})
		return nil
	}))

	r.Handle(protocol.TypeFileDownload, protocol.Typed(func(_ context.Context, _ protocol.Envelope, req protocol.FileDownload) error {
		pool.Submit(executor.Job{
			ID:   req.CommandID,
			Run:  func(ctx context.Context) protocol.CommandResult { return a.files.download(req) },
			Done: reply,
		})
		return nil
	}))

	r.Handle(protocol.TypeSysinfo, func(ctx context.Context, _ protocol.Envelope) error {
		go func() {
			if err := a.sendSysinfo(ctx, conn); err != nil {
				a.log.Debug("Sysinfo reply failed", zap.Error(err))
			}
		}()
		return nil
	})

	r.Handle(protocol.TypePing, protocol.Typed(func(_ context.Context, _ protocol.Envelope, p protocol.Ping) error {
		env, err := protocol.New(protocol.TypePong, p, a.identity.ID)
		if err != nil {
			return err
		}
		return conn.Send(env)
	}))

	r.Handle(protocol.TypeError, protocol.Typed(func(_ context.Context, _ protocol.Envelope, p protocol.ErrorPayload) error {
		a.log.Warn("Server reported error", zap.String("code", p.Code), zap.String("message", p.Message))
		return nil
	}))

	return r
}

func (a *Agent) sendSysinfo(ctx context.Context, conn *transport.Conn) error {
	info := a.collector.Collect(ctx)
	env, err := protocol.New(protocol.TypeSysinfo, info, a.identity.ID)
	if err != nil {
		return err
	}
	return conn.Send(env)
}

func (a *Agent) sendResult(conn *transport.Conn, res protocol.CommandResult) {
	env, err := protocol.New(protocol.TypeResult, res, a.identity.ID)
	if err == nil {
		err = conn.Send(env)
	}
	if err != nil {
		a.log.Warn("Result not delivered", zap.String("command_id", res.CommandID), zap.Error(err))
	}
}

func (a *Agent) sendError(conn *transport.Conn, code, msg string) {
	env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg}, a.identity.ID)
	if err == nil {
		_ = conn.Send(env)
	}
}

// telemetryLoop sends an unsolicited sysinfo every telemetry interval.
func (a *Agent) telemetryLoop(ctx context.Context, conn *transport.Conn) {
	if a.cfg.Telemetry.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Telemetry.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendSysinfo(ctx, conn); err != nil {
				a.log.Debug("Telemetry report failed", zap.Error(err))
			}
		}
	}
}
