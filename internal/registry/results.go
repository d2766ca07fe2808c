package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/metrics"
	"github.com/avaropoint/stark/internal/protocol"
)

// resultBookSize caps the number of tracked requests; the oldest are
// evicted first.
const resultBookSize = 1024

// Request kinds.
const (
	KindCommand  = "command"
	KindUpload   = "upload"
	KindDownload = "download"
)

// Request states.
const (
	StatePending     = "pending"
	StateUndelivered = "undelivered"
	StateCompleted   = "completed"
)

// CommandStatus tracks one forwarded request and its result.
type CommandStatus struct {
	ID          string                  `json:"command_id"`
	AgentID     string                  `json:"agent_id"`
	Kind        string                  `json:"kind"`
	Detail      string                  `json:"detail"` // command text or file path
	Shell       string                  `json:"shell,omitempty"`
	IssuedBy    string                  `json:"issued_by"`
	IssuedAt    time.Time               `json:"issued_at"`
	State       string                  `json:"status"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Result      *protocol.CommandResult `json:"result,omitempty"`
}

type resultBook struct {
	max   int
	order []string
	byID  map[string]*CommandStatus
}

func newResultBook(max int) *resultBook {
	return &resultBook{max: max, byID: make(map[string]*CommandStatus)}
}

func (b *resultBook) add(st *CommandStatus) {
	if _, ok := b.byID[st.ID]; !ok {
		b.order = append(b.order, st.ID)
	}
	b.byID[st.ID] = st
	for len(b.order) > b.max {
		delete(b.byID, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *resultBook) get(id string) (*CommandStatus, bool) {
	st, ok := b.byID[id]
	return st, ok
}

// RecordResult stores a result reported by agent id. Results without a
// command ID, for an unknown or evicted command, or for a command issued
// to a different agent are logged and dropped.
func (r *Registry) RecordResult(id string, res protocol.CommandResult) bool {
	now := r.now().UTC()
	r.metrics.CommandResults.WithLabelValues(metrics.Outcome(res.Success, res.Error, protocol.ErrTimeout)).Inc()

	if res.CommandID == "" {
		r.log.Debug("Result without command ID", zap.String("agent_id", id))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok && now.After(e.LastSeen) {
		e.LastSeen = now
	}

	st, ok := r.results.get(res.CommandID)
	if !ok {
		r.log.Debug("Result for unknown command",
			zap.String("agent_id", id),
			zap.String("command_id", res.CommandID))
		return false
	}
	if st.AgentID != id {
		r.log.Warn("Result from wrong agent",
			zap.String("agent_id", id),
			zap.String("command_id", res.CommandID),
			zap.String("expected", st.AgentID))
		return false
	}

	st.State = StateCompleted
	st.CompletedAt = &now
	st.Result = &res
	return true
}

// Result returns a copy of the tracked status for commandID.
func (r *Registry) Result(commandID string) (CommandStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.results.get(commandID)
	if !ok {
		return CommandStatus{}, false
	}
	return *st, true
}
