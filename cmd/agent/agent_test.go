package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/config"
	"github.com/avaropoint/stark/internal/protocol"
)

// fakeServer accepts one agent, runs script against it and reports the
// first error through errc.
func fakeServer(t *testing.T, script func(ws *websocket.Conn) error) (*config.Agent, chan error) {
	t.Helper()
	errc := make(chan error, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			errc <- err
			return
		}
		defer ws.Close()
		errc <- script(ws)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Agent{
		Server:    config.DialConfig{Host: host, Port: port},
		Auth:      config.AgentAuth{Token: "secret-token"},
		Exec:      config.ExecConfig{Timeout: 10 * time.Second, MaxOutput: 1 << 16, Workers: 2, Queue: 4},
		Files:     config.FilesConfig{MaxSize: 1 << 20},
		Reconnect: config.ReconnectConfig{Delay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}
	return cfg, errc
}

func readEnvelope(ws *websocket.Conn) (protocol.Envelope, error) {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// readUntil skips envelopes of other types.
func readUntil(ws *websocket.Conn, t protocol.MessageType) (protocol.Envelope, error) {
	for {
		env, err := readEnvelope(ws)
		if err != nil || env.Type == t {
			return env, err
		}
	}
}

func sendEnvelope(ws *websocket.Conn, t protocol.MessageType, data any) error {
	env, err := protocol.New(t, data, "")
	if err != nil {
		return err
	}
	return ws.WriteJSON(env)
}

func newTestAgent(t *testing.T, cfg *config.Agent) *Agent {
	t.Helper()
	id := Identity{Hostname: "test-host", ID: Derive("test-host", []byte("seed"))}
	a, err := NewAgent(cfg, id, nil, zap.NewNop())
	require.NoError(t, err)
	a.collector.cpuWindow = time.Millisecond
	return a
}

func TestAgentHandshakeAndPing(t *testing.T) {
	cfg, errc := fakeServer(t, func(ws *websocket.Conn) error {
		env, err := readEnvelope(ws)
		if err != nil {
			return err
		}
		auth, err := protocol.DecodeData[protocol.AuthRequest](env)
		if err != nil {
			return err
		}
		if env.Type != protocol.TypeAuth || auth.Token != "secret-token" || auth.Hostname != "test-host" {
			return errors.New("bad auth request")
		}
		if err := sendEnvelope(ws, protocol.TypeAuth, protocol.AuthResponse{Accepted: true, AgentID: auth.AgentID}); err != nil {
			return err
		}

		reg, err := readEnvelope(ws)
		if err != nil {
			return err
		}
		info, err := protocol.DecodeData[protocol.SystemInfo](reg)
		if err != nil {
			return err
		}
		if reg.Type != protocol.TypeSysinfo || info.Hostname == "" {
			return errors.New("expected sysinfo registration")
		}

		if err := sendEnvelope(ws, protocol.TypePing, protocol.Ping{Seq: 42}); err != nil {
			return err
		}
		pong, err := readUntil(ws, protocol.TypePong)
		if err != nil {
			return err
		}
		p, err := protocol.DecodeData[protocol.Ping](pong)
		if err != nil || p.Seq != 42 {
			return errors.New("pong seq mismatch")
		}
		return nil
	})

	a := newTestAgent(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.NoError(t, <-errc)
	cancel()
	<-done
}

func TestAgentAuthRejected(t *testing.T) {
	cfg, errc := fakeServer(t, func(ws *websocket.Conn) error {
		if _, err := readEnvelope(ws); err != nil {
			return err
		}
		return sendEnvelope(ws, protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrCodeAuthFailed, Message: "invalid token"})
	})

	a := newTestAgent(t, cfg)
	err := a.run(context.Background())
	assert.ErrorIs(t, err, errAuthRejected)
	require.NoError(t, <-errc)
}

func TestAgentRejectsUnknownType(t *testing.T) {
	cfg, errc := fakeServer(t, func(ws *websocket.Conn) error {
		if _, err := readEnvelope(ws); err != nil {
			return err
		}
		if err := sendEnvelope(ws, protocol.TypeAuth, protocol.AuthResponse{Accepted: true}); err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"reboot","agent_id":null,"timestamp":"2026-01-01T00:00:00Z","data":{}}`)); err != nil {
			return err
		}
		env, err := readUntil(ws, protocol.TypeError)
		if err != nil {
			return err
		}
		p, err := protocol.DecodeData[protocol.ErrorPayload](env)
		if err != nil {
			return err
		}
		if p.Code != protocol.ErrCodeUnsupported {
			return errors.New("expected unsupported error, got " + p.Code)
		}
		return nil
	})

	a := newTestAgent(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go a.run(ctx) //nolint:errcheck

	require.NoError(t, <-errc)
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	assert.Equal(t, time.Second, backoff(0, base, max))
	assert.Equal(t, 2*time.Second, backoff(1, base, max))
	assert.Equal(t, 16*time.Second, backoff(4, base, max))
	assert.Equal(t, max, backoff(5, base, max))
	assert.Equal(t, max, backoff(100, base, max))
	assert.Equal(t, base, backoff(3, base, 0), "max below base")
}

func TestRunWithReconnectStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	run := func(ctx context.Context) error {
		if calls.Add(1) == 3 {
			cancel()
			return nil
		}
		return errors.New("dial refused")
	}

	finished := make(chan struct{})
	go func() {
		runWithReconnect(ctx, zap.NewNop(), config.ReconnectConfig{Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, run)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("runWithReconnect did not stop")
	}
	assert.Equal(t, int32(3), calls.Load())
}
