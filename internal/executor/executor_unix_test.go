//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/protocol"
)

func TestExecuteSuccess(t *testing.T) {
	mem := &audit.Memory{}
	e := New(Config{Timeout: 10 * time.Second}, mem, nil)

	res := e.Execute(context.Background(), Request{
		CommandID: "c1",
		Command:   "echo hello; echo oops >&2; exit 3",
		Shell:     "sh",
		Principal: "admin",
		Target:    "web-01_abc",
	})

	assert.True(t, res.Success)
	assert.Equal(t, "c1", res.CommandID)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 3, res.ReturnCode)
	assert.False(t, res.Truncated)
	assert.NotEmpty(t, res.Timestamp)

	recs := mem.Records(audit.EventCommand)
	require.Len(t, recs, 1)
	assert.Equal(t, "admin", recs[0].User)
	assert.Equal(t, "web-01_abc", recs[0].Target)
}

func TestExecuteTimeoutKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	e := New(Config{Timeout: 500 * time.Millisecond}, nil, nil)

	start := time.Now()
	res := e.Execute(context.Background(), Request{
		Command: "sleep 30 & echo $! > " + pidFile + "; wait",
		Shell:   "sh",
	})

	assert.False(t, res.Success)
	assert.Equal(t, protocol.ErrTimeout, res.Error)
	assert.Less(t, time.Since(start), 10*time.Second)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !processRunning(pid) }, 5*time.Second, 50*time.Millisecond,
		"background child %d survived the timeout", pid)
}

func TestExecuteMissingShellBinary(t *testing.T) {
	if _, err := os.Stat("/bin/cmd"); err == nil {
		t.Skip("cmd binary present")
	}
	e := New(Config{Timeout: 5 * time.Second}, nil, nil)

	res := e.Execute(context.Background(), Request{CommandID: "c2", Command: "dir", Shell: "cmd"})
	assert.False(t, res.Success)
	assert.Equal(t, "c2", res.CommandID)
	assert.NotEmpty(t, res.Error)
}

func TestExecuteUnsupportedShell(t *testing.T) {
	mem := &audit.Memory{}
	e := New(Config{}, mem, nil)

	res := e.Execute(context.Background(), Request{Command: "ls", Shell: "zsh"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported shell")
	assert.Empty(t, mem.Records(), "rejected commands are not audited")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	e := New(Config{Timeout: 10 * time.Second, MaxOutput: 16}, nil, nil)

	res := e.Execute(context.Background(), Request{Command: "yes | head -c 1000", Shell: "sh"})
	assert.True(t, res.Success)
	assert.Len(t, res.Stdout, 16)
	assert.True(t, res.Truncated)
}

func TestExecuteCancelled(t *testing.T) {
	e := New(Config{Timeout: 10 * time.Second}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := e.Execute(ctx, Request{Command: "sleep 30", Shell: "sh"})
	assert.False(t, res.Success)
	assert.Equal(t, "command cancelled", res.Error)
}

// processRunning reports whether pid exists and is not a zombie.
func processRunning(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		// No procfs: fall back to signal 0.
		p, err := os.FindProcess(pid)
		if err != nil {
			return false
		}
		return p.Signal(syscall.Signal(0)) == nil
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z'
}
