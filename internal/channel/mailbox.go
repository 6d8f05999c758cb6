// File: internal/channel/mailbox.go

// Package channel implements the file-mediated request/response transport
// between the untrusted worker and the host. The filesystem is the message
// queue: requests and responses are JSON files written atomically
// (write-temp-then-rename), namespaced per worker session, with a quarantine
// sink for anything malformed.
package channel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
)

const (
	requestPrefix  = "req-"
	responsePrefix = "res-"
	fileSuffix     = ".json"
	// mailboxSubdir is the per-namespace directory that holds request and
	// response files.
	mailboxSubdir = "browse"
	// quarantineSubdir collects malformed or failed requests under the root.
	// Entries are never auto-deleted; they exist to be inspected.
	quarantineSubdir = "errors"
)

// namePattern restricts namespaces and request ids to safe path components.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ErrBadName is returned when a namespace or request id would escape its
// directory or otherwise cannot be used as a file name component.
var ErrBadName = errors.New("invalid namespace or request id")

// Mailbox is the host-side view of the request directory tree. One mailbox
// serves every session namespace under a single root.
type Mailbox struct {
	root string
	log  *zap.Logger
}

// NewMailbox opens (creating if needed) the request directory structure.
// Failure here is the one fatal condition of the transport: without the
// directories there is nothing to poll.
func NewMailbox(root string, logger *zap.Logger) (*Mailbox, error) {
	if root == "" {
		return nil, fmt.Errorf("mailbox root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mailbox root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, quarantineSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	return &Mailbox{
		root: root,
		log:  logger.Named("mailbox"),
	}, nil
}

// Root returns the mailbox root directory.
func (m *Mailbox) Root() string { return m.root }

// Dir returns the mailbox directory for a session namespace.
func (m *Mailbox) Dir(namespace string) string {
	return filepath.Join(m.root, namespace, mailboxSubdir)
}

// EnsureNamespace creates the mailbox directory for a namespace.
func (m *Mailbox) EnsureNamespace(namespace string) error {
	if !ValidName(namespace) {
		return fmt.Errorf("%w: %q", ErrBadName, namespace)
	}
	if err := os.MkdirAll(m.Dir(namespace), 0o755); err != nil {
		return fmt.Errorf("failed to create namespace mailbox: %w", err)
	}
	return nil
}

// Namespaces lists every session namespace that currently has a mailbox
// directory, sorted for deterministic iteration.
func (m *Mailbox) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox root: %w", err)
	}
	var namespaces []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == quarantineSubdir {
			continue
		}
		if ValidName(e.Name()) {
			namespaces = append(namespaces, e.Name())
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

// Poll discovers and consumes the pending request files of one namespace.
// Each returned request carries the namespace derived from the directory it
// was found in; the payload is never trusted for routing. Files that fail to
// parse, or whose embedded id disagrees with their file name, are quarantined
// rather than dropped so the failure stays inspectable. Consumed files are
// deleted: a request is read at most once.
func (m *Mailbox) Poll(namespace string) ([]schemas.ActionRequest, error) {
	if !ValidName(namespace) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, namespace)
	}
	dir := m.Dir(namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read mailbox %q: %w", dir, err)
	}

	var requests []schemas.ActionRequest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, requestPrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		// Skip in-flight atomic writes.
		if strings.HasSuffix(name, ".tmp") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn("Failed to read request file", zap.String("file", path), zap.Error(err))
			continue
		}

		fileID := strings.TrimSuffix(strings.TrimPrefix(name, requestPrefix), fileSuffix)

		var req schemas.ActionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			m.Quarantine(namespace, name, data, fmt.Sprintf("unparseable request: %v", err))
			_ = os.Remove(path)
			continue
		}
		if req.ID == "" || req.Action == "" {
			m.Quarantine(namespace, name, data, "request missing required fields")
			_ = os.Remove(path)
			continue
		}
		if req.ID != fileID || !ValidName(req.ID) {
			// An id that disagrees with the file it arrived in is a forgery
			// attempt or corruption; either way it never reaches a handler.
			m.log.Warn("Suspicious request: embedded id disagrees with file name",
				zap.String("namespace", namespace),
				zap.String("file_id", fileID),
				zap.String("body_id", req.ID))
			m.Quarantine(namespace, name, data, "request id does not match file name")
			_ = os.Remove(path)
			continue
		}
		if !schemas.KnownActions[req.Action] {
			m.Quarantine(namespace, name, data, fmt.Sprintf("unknown action %q", req.Action))
			_ = os.Remove(path)
			continue
		}

		// The namespace is an output of discovery, not of the payload.
		req.Namespace = namespace
		req.Raw = data

		if err := os.Remove(path); err != nil {
			m.log.Warn("Failed to delete consumed request file", zap.String("file", path), zap.Error(err))
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// Respond atomically writes the response file for a request id. A concurrent
// reader observes either no file or a complete one, never a partial write.
func (m *Mailbox) Respond(namespace, id string, resp schemas.ActionResponse) error {
	if !ValidName(namespace) || !ValidName(id) {
		return fmt.Errorf("%w: namespace=%q id=%q", ErrBadName, namespace, id)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response %s: %w", id, err)
	}
	path := filepath.Join(m.Dir(namespace), responsePrefix+id+fileSuffix)
	if err := AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write response %s: %w", id, err)
	}
	return nil
}

// Quarantine moves a failed request into the quarantine directory as
// <namespace>-<file>. Quarantined files are never auto-deleted.
func (m *Mailbox) Quarantine(namespace, fileName string, data []byte, reason string) {
	dest := filepath.Join(m.root, quarantineSubdir, namespace+"-"+filepath.Base(fileName))
	if err := AtomicWrite(dest, data); err != nil {
		// Quarantine is best-effort: a failure here must not take down the
		// polling loop.
		m.log.Error("Failed to quarantine request",
			zap.String("file", fileName),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	m.log.Warn("Request quarantined",
		zap.String("namespace", namespace),
		zap.String("file", fileName),
		zap.String("reason", reason))
}

// CollectGarbage removes response files nobody read within the TTL. The
// worker deletes responses it consumes; anything older than the TTL belongs
// to a caller that gave up waiting.
func (m *Mailbox) CollectGarbage(namespace string, ttl time.Duration) {
	dir := m.Dir(namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, responsePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err == nil {
			m.log.Debug("Garbage-collected orphaned response", zap.String("file", path))
		}
	}
}

// AtomicWrite writes data to path via a temp file and rename, the primitive
// that makes cross-process reads safe without locks.
func AtomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// RequestFileName returns the file name a request id arrives under.
func RequestFileName(id string) string {
	return requestPrefix + id + fileSuffix
}

// ValidName reports whether s is usable as a namespace or request id: a
// plain file name component with no traversal potential.
func ValidName(s string) bool {
	return s != "" && len(s) <= 128 && namePattern.MatchString(s)
}
