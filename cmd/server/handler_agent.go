package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/metrics"
	"github.com/avaropoint/stark/internal/protocol"
	"github.com/avaropoint/stark/internal/registry"
	"github.com/avaropoint/stark/internal/transport"
)

const (
	// handshakeTimeout bounds the auth and registration exchange.
	handshakeTimeout = 30 * time.Second

	maxAgentIDLen = 255
)

var errAgentRejected = errors.New("agent rejected")

// handleAgent manages the lifecycle of an agent connection.
// Agents must authenticate with a token, then register with a sysinfo
// message before any request is forwarded to them.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		s.metrics.AuthAttempts.WithLabelValues(metrics.KindAgent, metrics.ResultThrottled).Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn := transport.New(ws, s.log)
	defer conn.Close() //nolint:errcheck

	agentID, tokenID, err := s.authenticateAgent(conn, remoteHost(r.RemoteAddr))
	if err != nil {
		s.log.Info("Agent rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	// Registration: the first sysinfo after auth.
	env, err := conn.Read(handshakeTimeout)
	if err != nil {
		s.log.Info("Agent registration failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if env.Type != protocol.TypeSysinfo {
		s.sendError(conn, protocol.ErrCodeBadMessage, "expected sysinfo registration")
		return
	}
	info, err := protocol.DecodeData[protocol.SystemInfo](env)
	if err != nil {
		s.sendError(conn, protocol.ErrCodeBadMessage, err.Error())
		return
	}

	old, err := s.registry.Register(agentID, registry.Info{
		System:     info,
		RemoteAddr: r.RemoteAddr,
		TokenID:    tokenID,
		Conn:       conn,
	})
	if err != nil {
		s.sendError(conn, protocol.ErrCodeAuthFailed, err.Error())
		return
	}
	if old != nil {
		if c, ok := old.(*transport.Conn); ok {
			s.log.Info("Closing superseded agent connection", zap.String("agent_id", agentID))
			c.Close() //nolint:errcheck
		}
	}
	defer s.registry.Disconnect(agentID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.pingLoop(ctx, conn, agentID)

	router := s.agentRoutes(agentID)
	for {
		env, err := conn.Read(s.heartbeat.Timeout)
		if errors.Is(err, protocol.ErrMalformed) {
			s.log.Warn("Dropping malformed agent message", zap.String("agent_id", agentID), zap.Error(err))
			s.sendError(conn, protocol.ErrCodeBadMessage, err.Error())
			continue
		}
		if err != nil {
			if !transport.IsClosedError(err) {
				s.log.Info("Agent connection lost", zap.String("agent_id", agentID), zap.Error(err))
			}
			return
		}
		s.registry.Touch(agentID)

		if err := router.Dispatch(ctx, env); err != nil {
			code := protocol.ErrCodeBadMessage
			if errors.Is(err, protocol.ErrUnknownType) {
				code = protocol.ErrCodeUnsupported
			}
			s.log.Warn("Agent message rejected",
				zap.String("agent_id", agentID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
			s.sendError(conn, code, err.Error())
		}
	}
}

// authenticateAgent reads the auth message and validates its token. It
// returns the agent ID and the ID of the token that authenticated it.
// Every attempt produces an AUTH audit event.
func (s *Server) authenticateAgent(conn *transport.Conn, ip string) (string, string, error) {
	env, err := conn.Read(handshakeTimeout)
	if err != nil {
		return "", "", fmt.Errorf("read auth: %w", err)
	}
	if env.Type != protocol.TypeAuth {
		s.sendError(conn, protocol.ErrCodeAuthFailed, "authentication required")
		s.recordAgentAuth("unknown", false, ip)
		return "", "", fmt.Errorf("%w: first message was %q", errAgentRejected, env.Type)
	}
	req, err := protocol.DecodeData[protocol.AuthRequest](env)
	if err != nil {
		s.sendError(conn, protocol.ErrCodeAuthFailed, "malformed auth request")
		s.recordAgentAuth("unknown", false, ip)
		return "", "", err
	}

	agentID := req.AgentID
	if agentID == "" || len(agentID) > maxAgentIDLen {
		s.sendError(conn, protocol.ErrCodeAuthFailed, "invalid agent id")
		s.recordAgentAuth("unknown", false, ip)
		return "", "", fmt.Errorf("%w: invalid agent id", errAgentRejected)
	}

	rec, err := s.creds.Authenticate(context.Background(), req.Token)
	if err != nil {
		s.sendError(conn, protocol.ErrCodeAuthFailed, "invalid token")
		s.recordAgentAuth(agentID, false, ip)
		return "", "", fmt.Errorf("%w: %v", errAgentRejected, err)
	}
	if !s.registry.Claimable(agentID, rec.ID) {
		s.sendError(conn, protocol.ErrCodeAuthFailed, registry.ErrAgentIDClaimed.Error())
		s.recordAgentAuth(agentID, false, ip)
		return "", "", fmt.Errorf("%w: %v", errAgentRejected, registry.ErrAgentIDClaimed)
	}
	s.recordAgentAuth(agentID, true, ip)

	reply, err := protocol.New(protocol.TypeAuth, protocol.AuthResponse{
		Accepted: true,
		AgentID:  agentID,
	}, agentID)
	if err != nil {
		return "", "", err
	}
	if err := conn.Send(reply); err != nil {
		return "", "", fmt.Errorf("send auth response: %w", err)
	}
	s.log.Info("Agent authenticated",
		zap.String("agent_id", agentID),
		zap.String("hostname", req.Hostname),
		zap.String("version", req.Version),
		zap.String("token", rec.Prefix))
	return agentID, rec.ID, nil
}

func (s *Server) recordAgentAuth(agentID string, ok bool, ip string) {
	s.audit.Auth(agentID, ok, ip)
	result := metrics.ResultFailure
	if ok {
		result = metrics.ResultSuccess
	}
	s.metrics.AuthAttempts.WithLabelValues(metrics.KindAgent, result).Inc()
}

// agentRoutes handles messages arriving from a registered agent.
func (s *Server) agentRoutes(agentID string) *protocol.Router {
	router := protocol.NewRouter()
	router.Handle(protocol.TypeResult, protocol.Typed(
		func(_ context.Context, _ protocol.Envelope, res protocol.CommandResult) error {
			if !s.registry.RecordResult(agentID, res) {
				s.log.Warn("Result ignored",
					zap.String("agent_id", agentID),
					zap.String("command_id", res.CommandID))
			}
			return nil
		}))
	router.Handle(protocol.TypeSysinfo, protocol.Typed(
		func(_ context.Context, _ protocol.Envelope, info protocol.SystemInfo) error {
			s.registry.UpdateInfo(agentID, info)
			return nil
		}))
	router.Handle(protocol.TypePong, func(context.Context, protocol.Envelope) error {
		return nil
	})
	router.Handle(protocol.TypeError, protocol.Typed(
		func(_ context.Context, _ protocol.Envelope, p protocol.ErrorPayload) error {
			s.log.Warn("Agent reported error",
				zap.String("agent_id", agentID),
				zap.String("code", p.Code),
				zap.String("message", p.Message))
			return nil
		}))
	return router
}

// pingLoop sends a keep-alive every heartbeat interval until ctx ends.
func (s *Server) pingLoop(ctx context.Context, conn *transport.Conn, agentID string) {
	ticker := time.NewTicker(s.heartbeat.Interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			seq++
			env, err := protocol.New(protocol.TypePing, protocol.Ping{Seq: seq}, agentID)
			if err != nil {
				return
			}
			if err := conn.Send(env); err != nil {
				s.log.Debug("Ping failed", zap.String("agent_id", agentID), zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) sendError(conn *transport.Conn, code, msg string) {
	env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg}, "")
	if err != nil {
		return
	}
	if err := conn.Send(env); err != nil {
		s.log.Debug("Error reply failed", zap.Error(err))
	}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
