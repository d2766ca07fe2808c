package audit

import "sync"

// Record is one captured audit event.
type Record struct {
	Event    string
	User     string
	Success  bool
	IP       string
	Target   string
	Command  string
	Action   string
	Filename string
	AgentID  string
	Status   string
}

// Memory keeps events in memory. Used in tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func (m *Memory) add(r Record) {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}

func (m *Memory) Auth(user string, success bool, ip string) {
	m.add(Record{Event: EventAuth, User: user, Success: success, IP: ip})
}

func (m *Memory) Command(user, target, command string) {
	m.add(Record{Event: EventCommand, User: user, Target: target, Command: TruncateCommand(command)})
}

func (m *Memory) File(user, action, filename, target string) {
	m.add(Record{Event: EventFile, User: user, Action: action, Filename: filename, Target: target})
}

func (m *Memory) Connection(agentID, status, ip string) {
	m.add(Record{Event: EventConnection, AgentID: agentID, Status: status, IP: ip})
}

// Records returns a copy of the captured events, optionally filtered by
// event name.
func (m *Memory) Records(event ...string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if len(event) > 0 && r.Event != event[0] {
			continue
		}
		out = append(out, r)
	}
	return out
}
