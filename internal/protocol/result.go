package protocol

import "encoding/json"

// ErrTimeout is the error text reported for commands that exceed their
// time limit.
const ErrTimeout = "Command execution timeout"

// CommandResult is the outcome of a command or file operation on an
// agent. It is sent back as a result envelope.
//
// A successful result encodes as
//
//	{"success":true,"stdout":"...","stderr":"...","returncode":0,"timestamp":"..."}
//
// and a failure as
//
//	{"success":false,"error":"...","timestamp":"..."}
//
// CommandID, Truncated, Path and Content are added only when set.
type CommandResult struct {
	CommandID  string `json:"command_id,omitempty"`
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"returncode,omitempty"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Path       string `json:"path,omitempty"`
	Content    string `json:"content,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type successShape struct {
	CommandID  string `json:"command_id,omitempty"`
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
	Truncated  bool   `json:"truncated,omitempty"`
	Path       string `json:"path,omitempty"`
	Content    string `json:"content,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type failureShape struct {
	CommandID string `json:"command_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

// MarshalJSON writes exactly one of the two result shapes.
func (r CommandResult) MarshalJSON() ([]byte, error) {
	if r.Success {
		return json.Marshal(successShape{
			CommandID:  r.CommandID,
			Success:    true,
			Stdout:     r.Stdout,
			Stderr:     r.Stderr,
			ReturnCode: r.ReturnCode,
			Truncated:  r.Truncated,
			Path:       r.Path,
			Content:    r.Content,
			Timestamp:  r.Timestamp,
		})
	}
	return json.Marshal(failureShape{
		CommandID: r.CommandID,
		Error:     r.Error,
		Path:      r.Path,
		Timestamp: r.Timestamp,
	})
}

// Failure builds a failed result stamped with the current time.
func Failure(commandID, msg string) CommandResult {
	return CommandResult{CommandID: commandID, Error: msg, Timestamp: Now()}
}
