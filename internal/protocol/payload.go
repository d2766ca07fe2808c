package protocol

// AuthRequest is the first message an agent sends after connecting.
type AuthRequest struct {
	Token    string `json:"token"`
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// AuthResponse confirms a successful authentication.
type AuthResponse struct {
	Accepted bool   `json:"accepted"`
	AgentID  string `json:"agent_id"`
}

// CommandRequest asks the agent to run a shell command.
type CommandRequest struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
	Shell     string `json:"shell"`
	IssuedBy  string `json:"issued_by"`
}

// SysinfoRequest asks the agent for a fresh telemetry snapshot. It is
// sent as a sysinfo envelope; the agent answers with SystemInfo.
type SysinfoRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// FileUpload pushes a file to the agent. Content is base64 encoded.
type FileUpload struct {
	CommandID string `json:"command_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	IssuedBy  string `json:"issued_by"`
}

// FileDownload asks the agent to return a file's content.
type FileDownload struct {
	CommandID string `json:"command_id"`
	Path      string `json:"path"`
	IssuedBy  string `json:"issued_by"`
}

// Ping is the server keep-alive; the agent echoes Seq in a pong.
type Ping struct {
	Seq int64 `json:"seq"`
}

// Error codes carried in ErrorPayload.
const (
	ErrCodeAuthFailed  = "auth_failed"
	ErrCodeBadMessage  = "bad_message"
	ErrCodeUnsupported = "unsupported"
)

// ErrorPayload reports a protocol-level failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
