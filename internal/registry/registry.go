// Package registry tracks agent sessions on the server and forwards
// administrator requests to live agent connections.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/metrics"
	"github.com/avaropoint/stark/internal/protocol"
	"github.com/avaropoint/stark/internal/store"
)

// Session status values.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ErrAgentIDClaimed is returned by Register when the agent ID belongs to
// a session that registered with a different token.
var ErrAgentIDClaimed = errors.New("agent id registered with another token")

// persistTimeout bounds each write-through to the persister.
const persistTimeout = 5 * time.Second

// Sender delivers envelopes to one live agent connection. Send must be
// safe to call from any goroutine.
type Sender interface {
	Send(protocol.Envelope) error
}

// Persister is the optional durable backing for session records.
type Persister interface {
	UpsertSession(ctx context.Context, s *store.SessionRecord) error
	ListSessions(ctx context.Context) ([]*store.SessionRecord, error)
}

// Info is what an agent presents when it registers. TokenID names the
// credential the connection authenticated with.
type Info struct {
	TokenID    string
	System     protocol.SystemInfo
	RemoteAddr string
	Conn       Sender
}

// Session is a snapshot of one registry entry.
type Session struct {
	AgentID     string              `json:"agent_id"`
	TokenID     string              `json:"token_id,omitempty"`
	Status      string              `json:"status"`
	RemoteAddr  string              `json:"remote_addr"`
	ConnectedAt time.Time           `json:"connected_at"`
	LastSeen    time.Time           `json:"last_seen"`
	Info        protocol.SystemInfo `json:"info"`
}

// Summary is the listing form of a session.
type Summary struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name,omitempty"`
	Hostname  string    `json:"hostname"`
	Platform  string    `json:"platform"`
	Status    string    `json:"status"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

type entry struct {
	Session
	conn Sender
}

// Options configures a Registry. Every field is optional.
type Options struct {
	Audit     audit.Logger
	Metrics   *metrics.Metrics
	Persister Persister
	Logger    *zap.Logger
}

// Registry is the server's table of agent sessions. Entries move from
// connected to disconnected and back; they are never removed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	results  *resultBook

	audit   audit.Logger
	metrics *metrics.Metrics
	persist Persister
	log     *zap.Logger
	now     func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*entry),
		results:  newResultBook(resultBookSize),
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		persist:  opts.Persister,
		log:      opts.Logger.Named("registry"),
		now:      time.Now,
	}
}

// Restore loads persisted sessions as disconnected entries. It is a
// no-op without a persister.
func (r *Registry) Restore(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	recs, err := r.persist.ListSessions(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, live := r.sessions[rec.AgentID]; live {
			continue
		}
		var info protocol.SystemInfo
		if len(rec.Info) > 0 {
			if err := json.Unmarshal(rec.Info, &info); err != nil {
				r.log.Warn("Skipping corrupt session info", zap.String("agent_id", rec.AgentID), zap.Error(err))
			}
		}
		r.sessions[rec.AgentID] = &entry{Session: Session{
			AgentID:     rec.AgentID,
			TokenID:     rec.TokenID,
			Status:      StatusDisconnected,
			RemoteAddr:  rec.RemoteAddr,
			ConnectedAt: rec.ConnectedAt,
			LastSeen:    rec.LastSeen,
			Info:        info,
		}}
	}
	r.log.Info("Restored sessions", zap.Int("count", len(recs)))
	return nil
}

// Register inserts or overwrites the entry for id as connected and binds
// its live connection. If a different connection was bound it is
// returned so the caller can close it. An agent ID stays owned by the
// token that first registered it; another token gets ErrAgentIDClaimed
// and the existing entry is left untouched.
func (r *Registry) Register(id string, info Info) (Sender, error) {
	now := r.now().UTC()
	info.System.AgentID = id

	r.mu.Lock()
	var replaced Sender
	if old, ok := r.sessions[id]; ok {
		if !claimable(old, info.TokenID) {
			r.mu.Unlock()
			r.log.Warn("Agent rejected: ID registered with another token",
				zap.String("agent_id", id),
				zap.String("remote_addr", info.RemoteAddr))
			return nil, ErrAgentIDClaimed
		}
		if old.conn != nil && old.conn != info.Conn {
			replaced = old.conn
		}
	}
	e := &entry{
		Session: Session{
			AgentID:     id,
			TokenID:     info.TokenID,
			Status:      StatusConnected,
			RemoteAddr:  info.RemoteAddr,
			ConnectedAt: now,
			LastSeen:    now,
			Info:        info.System,
		},
		conn: info.Conn,
	}
	r.sessions[id] = e
	snap := e.Session
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.audit.Connection(id, StatusConnected, hostOf(info.RemoteAddr))
	r.log.Info("Agent registered",
		zap.String("agent_id", id),
		zap.String("hostname", info.System.Hostname),
		zap.String("remote_addr", info.RemoteAddr))
	r.save(snap)
	return replaced, nil
}

// Claimable reports whether a connection authenticated with tokenID may
// register as id.
func (r *Registry) Claimable(id, tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return !ok || claimable(e, tokenID)
}

func claimable(e *entry, tokenID string) bool {
	return e.TokenID == "" || e.TokenID == tokenID
}

// ReleaseToken drops tokenID's ownership of every session and closes the
// live connections it authenticated. It returns the number of sessions
// released.
func (r *Registry) ReleaseToken(tokenID string) int {
	if tokenID == "" {
		return 0
	}
	r.mu.Lock()
	var (
		snaps []Session
		conns []Sender
	)
	for _, e := range r.sessions {
		if e.TokenID != tokenID {
			continue
		}
		e.TokenID = ""
		snaps = append(snaps, e.Session)
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		if cl, ok := c.(io.Closer); ok {
			cl.Close() //nolint:errcheck
		}
	}
	for _, snap := range snaps {
		r.log.Info("Session released from token",
			zap.String("agent_id", snap.AgentID),
			zap.String("token_id", tokenID))
		r.save(snap)
	}
	return len(snaps)
}

// Touch advances last-seen for id. It never moves backwards.
func (r *Registry) Touch(id string) bool {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	return true
}

// UpdateInfo replaces the stored system snapshot for id.
func (r *Registry) UpdateInfo(id string, sys protocol.SystemInfo) bool {
	now := r.now().UTC()
	sys.AgentID = id

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.Info = sys
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	snap := e.Session
	r.mu.Unlock()

	r.save(snap)
	return true
}

// Disconnect marks id disconnected if conn is still its bound
// connection. A stale connection closing after a reconnect is ignored.
func (r *Registry) Disconnect(id string, conn Sender) bool {
	now := r.now().UTC()

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.conn != conn || e.Status == StatusDisconnected {
		r.mu.Unlock()
		return false
	}
	e.Status = StatusDisconnected
	e.conn = nil
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	snap := e.Session
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.audit.Connection(id, StatusDisconnected, hostOf(snap.RemoteAddr))
	r.log.Info("Agent disconnected", zap.String("agent_id", id))
	r.save(snap)
	return true
}

// DisconnectAll marks every connected session disconnected. Used on
// shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	type bound struct {
		id   string
		conn Sender
	}
	var live []bound
	for id, e := range r.sessions {
		if e.Status == StatusConnected {
			live = append(live, bound{id, e.conn})
		}
	}
	r.mu.RUnlock()

	for _, b := range live {
		r.Disconnect(b.id, b.conn)
	}
}

// List returns a summary of every session sorted by agent ID.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, Summary{
			AgentID:   e.AgentID,
			Name:      e.Info.Name,
			Hostname:  e.Info.Hostname,
			Platform:  e.Info.Platform,
			Status:    e.Status,
			Connected: e.ConnectedAt,
			LastSeen:  e.LastSeen,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Get returns a snapshot of the session for id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// ConnectedCount returns the number of sessions with a live connection.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectedLocked()
}

// Dispatch records a command for id and forwards it to the agent's live
// connection. It returns false, leaving all state untouched, when id is
// unknown. A disconnected agent gets the command recorded but not
// delivered.
func (r *Registry) Dispatch(principal, id, command, shell string) (string, bool) {
	cmdID := uuid.NewString()
	req := protocol.CommandRequest{CommandID: cmdID, Command: command, Shell: shell, IssuedBy: principal}

	conn, ok := r.track(id, &CommandStatus{
		ID:       cmdID,
		AgentID:  id,
		Kind:     KindCommand,
		Detail:   audit.TruncateCommand(command),
		Shell:    shell,
		IssuedBy: principal,
	})
	if !ok {
		return "", false
	}

	r.audit.Command(principal, id, command)
	label := shell
	if label == "" {
		label = "default"
	}
	r.metrics.CommandsDispatched.WithLabelValues(label).Inc()

	r.forward(id, cmdID, conn, protocol.TypeCommand, req)
	return cmdID, true
}

// RequestSysinfo asks the agent for a fresh telemetry snapshot. The
// reply arrives asynchronously through UpdateInfo.
func (r *Registry) RequestSysinfo(principal, id string) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	var conn Sender
	if ok {
		conn = e.conn
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.forward(id, "", conn, protocol.TypeSysinfo, protocol.SysinfoRequest{RequestedBy: principal})
	return true
}

// RequestUpload pushes content to path on the agent.
func (r *Registry) RequestUpload(principal, id, path string, content []byte) (string, bool) {
	cmdID := uuid.NewString()
	conn, ok := r.track(id, &CommandStatus{ID: cmdID, AgentID: id, Kind: KindUpload, Detail: path, IssuedBy: principal})
	if !ok {
		return "", false
	}
	r.audit.File(principal, KindUpload, path, id)
	r.forward(id, cmdID, conn, protocol.TypeFileUpload, protocol.FileUpload{
		CommandID: cmdID,
		Path:      path,
		Content:   base64.StdEncoding.EncodeToString(content),
		IssuedBy:  principal,
	})
	return cmdID, true
}

// RequestDownload asks the agent to return the content of path.
func (r *Registry) RequestDownload(principal, id, path string) (string, bool) {
	cmdID := uuid.NewString()
	conn, ok := r.track(id, &CommandStatus{ID: cmdID, AgentID: id, Kind: KindDownload, Detail: path, IssuedBy: principal})
	if !ok {
		return "", false
	}
	r.audit.File(principal, KindDownload, path, id)
	r.forward(id, cmdID, conn, protocol.TypeFileDownload, protocol.FileDownload{
		CommandID: cmdID,
		Path:      path,
		IssuedBy:  principal,
	})
	return cmdID, true
}

// track records st if id is known and returns the bound connection,
// which is nil for a disconnected agent.
func (r *Registry) track(id string, st *CommandStatus) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	st.IssuedAt = r.now().UTC()
	st.State = StatePending
	r.results.add(st)
	return e.conn, true
}

// forward sends one envelope without holding the registry lock.
func (r *Registry) forward(id, cmdID string, conn Sender, t protocol.MessageType, payload any) {
	if conn == nil {
		r.log.Info("Agent offline, request recorded only", zap.String("agent_id", id), zap.String("type", string(t)))
		r.markUndelivered(cmdID)
		return
	}
	env, err := protocol.New(t, payload, id)
	if err == nil {
		err = conn.Send(env)
	}
	if err != nil {
		r.log.Warn("Forward to agent failed",
			zap.String("agent_id", id), zap.String("type", string(t)), zap.Error(err))
		r.markUndelivered(cmdID)
	}
}

func (r *Registry) markUndelivered(cmdID string) {
	if cmdID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.results.get(cmdID); ok && st.State == StatePending {
		st.State = StateUndelivered
	}
}

func (r *Registry) updateGaugeLocked() {
	r.metrics.AgentsConnected.Set(float64(r.connectedLocked()))
}

func (r *Registry) connectedLocked() int {
	n := 0
	for _, e := range r.sessions {
		if e.Status == StatusConnected {
			n++
		}
	}
	return n
}

func (r *Registry) save(s Session) {
	if r.persist == nil {
		return
	}
	info, err := json.Marshal(s.Info)
	if err != nil {
		r.log.Warn("Encode session info failed", zap.String("agent_id", s.AgentID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err = r.persist.UpsertSession(ctx, &store.SessionRecord{
		AgentID:     s.AgentID,
		TokenID:     s.TokenID,
		Info:        info,
		RemoteAddr:  s.RemoteAddr,
		Status:      s.Status,
		ConnectedAt: s.ConnectedAt,
		LastSeen:    s.LastSeen,
	})
	if err != nil {
		r.log.Warn("Persist session failed", zap.String("agent_id", s.AgentID), zap.Error(err))
	}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
