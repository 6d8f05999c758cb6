// File: internal/router/files.go
package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
)

// File transfer command aliases.
var (
	ReadFileCommands  = []string{"read_file", "file_read", "cat_file"}
	WriteFileCommands = []string{"write_file", "file_write", "put_file"}
)

// readFileResult is the sandbox's answer to a read command: one bounded
// base64 chunk plus enough bookkeeping to know when the file is exhausted.
type readFileResult struct {
	Data string `json:"data"`
	EOF  bool   `json:"eof"`
	Size int64  `json:"size"`
}

// handleExtractFile reads one chunk of a sandbox file at a given offset and
// returns it base64-encoded. The worker drives the offset loop; the bridge
// stays stateless across chunks.
func (r *Router) handleExtractFile(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	p, ok := stringParam(params, "path")
	if !ok {
		return schemas.ErrorResponse("extract_file requires a path parameter")
	}
	if err := r.validatePath(p); err != nil {
		return schemas.ErrorResponse(err.Error())
	}
	offset, _ := intParam(params, "offset")
	if offset < 0 {
		return schemas.ErrorResponse("extract_file offset must be non-negative")
	}

	res, cmd, err := sandbox.TryEach(ctx, r.sandbox, ReadFileCommands, map[string]interface{}{
		"path":   p,
		"offset": offset,
		"length": r.transfer.ChunkSize,
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("extract_file %q failed: %v", p, err))
	}

	var body readFileResult
	if err := res.Decode(&body); err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("extract_file %q returned an unparseable chunk: %v", p, err))
	}
	if _, err := base64.StdEncoding.DecodeString(body.Data); err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("extract_file %q returned invalid base64 data", p))
	}

	r.log.Debug("File chunk extracted",
		zap.String("path", p),
		zap.Int("offset", offset),
		zap.String("command", cmd),
		zap.Bool("eof", body.EOF))

	return schemas.OKResponse(schemas.FileChunk{
		Path:   p,
		Offset: int64(offset),
		Data:   body.Data,
		EOF:    body.EOF,
		Size:   body.Size,
	})
}

// handleUploadFile writes one base64 chunk into a sandbox file at a given
// offset. A zero offset truncates; the worker appends subsequent chunks.
func (r *Router) handleUploadFile(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	p, ok := stringParam(params, "path")
	if !ok {
		return schemas.ErrorResponse("upload_file requires a path parameter")
	}
	if err := r.validatePath(p); err != nil {
		return schemas.ErrorResponse(err.Error())
	}
	data, ok := stringParam(params, "data")
	if !ok {
		return schemas.ErrorResponse("upload_file requires a data parameter")
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return schemas.ErrorResponse("upload_file data must be valid base64")
	}
	if len(decoded) > r.transfer.ChunkSize {
		return schemas.ErrorResponse(fmt.Sprintf("upload_file chunk exceeds %d bytes", r.transfer.ChunkSize))
	}
	offset, _ := intParam(params, "offset")
	if offset < 0 {
		return schemas.ErrorResponse("upload_file offset must be non-negative")
	}

	args := map[string]interface{}{
		"path":   p,
		"offset": offset,
		"data":   data,
	}
	if offset == 0 {
		args["truncate"] = true
	}
	_, cmd, err := sandbox.TryEach(ctx, r.sandbox, WriteFileCommands, args)
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("upload_file %q failed: %v", p, err))
	}
	r.log.Debug("File chunk uploaded",
		zap.String("path", p),
		zap.Int("offset", offset),
		zap.Int("bytes", len(decoded)),
		zap.String("command", cmd))

	return schemas.OKResponse(map[string]interface{}{
		"path":    p,
		"offset":  offset,
		"written": len(decoded),
	})
}

// validatePath enforces the transfer allow-list: absolute, traversal-free
// paths under one of the configured roots.
func (r *Router) validatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("file path %q must be absolute", p)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("file path %q must not contain parent references", p)
	}
	cleaned := path.Clean(p)
	for _, root := range r.transfer.AllowedRoots {
		root = strings.TrimRight(root, "/")
		if cleaned == root || strings.HasPrefix(cleaned, root+"/") {
			return nil
		}
	}
	return fmt.Errorf("file path %q is outside the allowed roots %v", p, r.transfer.AllowedRoots)
}
