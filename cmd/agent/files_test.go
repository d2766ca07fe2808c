package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/protocol"
)

func TestUploadDownload(t *testing.T) {
	mem := &audit.Memory{}
	f := newFileHandler(1024, mem, "agent-1")
	path := filepath.Join(t.TempDir(), "hello.txt")

	res := f.upload(protocol.FileUpload{
		CommandID: "u1",
		Path:      path,
		Content:   base64.StdEncoding.EncodeToString([]byte("hello")),
		IssuedBy:  "admin",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, path, res.Path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	res = f.download(protocol.FileDownload{CommandID: "d1", Path: path, IssuedBy: "admin"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), res.Content)

	events := mem.Records(audit.EventFile)
	require.Len(t, events, 2)
	assert.Equal(t, "upload", events[0].Action)
	assert.Equal(t, "agent-1", events[0].Target)
	assert.Equal(t, "download", events[1].Action)
}

func TestUploadRejects(t *testing.T) {
	f := newFileHandler(4, nil, "a")
	dir := t.TempDir()

	tests := []struct {
		name string
		req  protocol.FileUpload
	}{
		{"relative path", protocol.FileUpload{Path: "x.txt", Content: "aGk="}},
		{"bad base64", protocol.FileUpload{Path: filepath.Join(dir, "x"), Content: "!!!"}},
		{"too large", protocol.FileUpload{Path: filepath.Join(dir, "x"), Content: base64.StdEncoding.EncodeToString([]byte("too big"))}},
		{"missing dir", protocol.FileUpload{Path: filepath.Join(dir, "nope", "x"), Content: "aGk="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.upload(tt.req)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
		})
	}
	_, err := os.Stat(filepath.Join(dir, "x"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadRejects(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big")
	require.NoError(t, os.WriteFile(big, []byte("0123456789"), 0o600))
	f := newFileHandler(4, nil, "a")

	for _, p := range []string{"rel", filepath.Join(dir, "missing"), dir, big} {
		res := f.download(protocol.FileDownload{Path: p})
		assert.False(t, res.Success, p)
	}
}
