package executor

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShell(t *testing.T) {
	tests := []struct {
		in      string
		want    Shell
		wantErr bool
	}{
		{"cmd", ShellCmd, false},
		{"powershell", ShellPowerShell, false},
		{"sh", ShellSh, false},
		{"", DefaultShell(), false},
		{"bash", "", true},
		{"CMD", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseShell(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		assert.Equal(t, ShellCmd, DefaultShell())
	} else {
		assert.Equal(t, ShellSh, DefaultShell())
	}
}

func TestShellArgv(t *testing.T) {
	cmd := "echo a && echo b"
	assert.Equal(t, []string{"cmd", "/c", cmd}, ShellCmd.argv(cmd))
	assert.Equal(t, []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", cmd}, ShellPowerShell.argv(cmd))
	assert.Equal(t, []string{"/bin/sh", "-c", cmd}, ShellSh.argv(cmd))
}

func TestNewDefaults(t *testing.T) {
	e := New(Config{}, nil, nil)
	assert.Equal(t, DefaultTimeout, e.Timeout())
	assert.Equal(t, DefaultMaxOutput, e.maxOutput)
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())

	n, _ = b.Write([]byte("more"))
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", b.String())
}
