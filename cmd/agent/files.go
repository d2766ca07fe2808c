package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/protocol"
)

// fileHandler serves file_upload and file_download requests.
type fileHandler struct {
	maxSize int64
	audit   audit.Logger
	agentID string
}

func newFileHandler(maxSize int64, auditor audit.Logger, agentID string) *fileHandler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &fileHandler{maxSize: maxSize, audit: auditor, agentID: agentID}
}

// upload writes the decoded content to req.Path through a temporary file
// in the same directory, so a failed write never leaves a partial file.
func (f *fileHandler) upload(req protocol.FileUpload) protocol.CommandResult {
	fail := func(msg string) protocol.CommandResult {
		r := protocol.Failure(req.CommandID, msg)
		r.Path = req.Path
		return r
	}
	if !filepath.IsAbs(req.Path) {
		return fail("path must be absolute")
	}
	if int64(base64.StdEncoding.DecodedLen(len(req.Content))) > f.maxSize+2 {
		return fail(fmt.Sprintf("file exceeds %d byte limit", f.maxSize))
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return fail("invalid base64 content")
	}
	if int64(len(data)) > f.maxSize {
		return fail(fmt.Sprintf("file exceeds %d byte limit", f.maxSize))
	}

	f.audit.File(req.IssuedBy, "upload", req.Path, f.agentID)

	dir := filepath.Dir(req.Path)
	tmp, err := os.CreateTemp(dir, ".stark-upload-*")
	if err != nil {
		return fail(err.Error())
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fail(err.Error())
	}
	if err := tmp.Close(); err != nil {
		return fail(err.Error())
	}
	if err := os.Rename(tmp.Name(), req.Path); err != nil {
		return fail(err.Error())
	}

	return protocol.CommandResult{
		CommandID: req.CommandID,
		Success:   true,
		Path:      req.Path,
		Stdout:    fmt.Sprintf("wrote %d bytes", len(data)),
		Timestamp: protocol.Now(),
	}
}

// download returns the base64 content of req.Path.
func (f *fileHandler) download(req protocol.FileDownload) protocol.CommandResult {
	fail := func(msg string) protocol.CommandResult {
		r := protocol.Failure(req.CommandID, msg)
		r.Path = req.Path
		return r
	}
	if !filepath.IsAbs(req.Path) {
		return fail("path must be absolute")
	}

	f.audit.File(req.IssuedBy, "download", req.Path, f.agentID)

	fh, err := os.Open(req.Path)
	if err != nil {
		return fail(err.Error())
	}
	defer fh.Close() //nolint:errcheck

	st, err := fh.Stat()
	if err != nil {
		return fail(err.Error())
	}
	if st.IsDir() {
		return fail("path is a directory")
	}
	if st.Size() > f.maxSize {
		return fail(fmt.Sprintf("file exceeds %d byte limit", f.maxSize))
	}

	data, err := io.ReadAll(io.LimitReader(fh, f.maxSize+1))
	if err != nil {
		return fail(err.Error())
	}
	if int64(len(data)) > f.maxSize {
		return fail(fmt.Sprintf("file exceeds %d byte limit", f.maxSize))
	}

	return protocol.CommandResult{
		CommandID: req.CommandID,
		Success:   true,
		Path:      req.Path,
		Content:   base64.StdEncoding.EncodeToString(data),
		Timestamp: protocol.Now(),
	}
}
