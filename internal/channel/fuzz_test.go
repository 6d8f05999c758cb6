// File: internal/channel/fuzz_test.go
package channel_test

import (
	"os"
	"path/filepath"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/internal/channel"
)

// FuzzMailboxPoll throws arbitrary bytes at the request parser. The
// invariants: Poll never panics, never errors on garbage content, and never
// yields a request whose id disagrees with the file it came from.
func FuzzMailboxPoll(f *testing.F) {
	f.Add([]byte(`{"id":"1-abc","action":"click","params":{"selector":"x"}}`))
	f.Add([]byte(`{"id":"","action":""}`))
	f.Add([]byte(`{not json`))
	f.Add([]byte(``))
	f.Add([]byte(`{"id":"../../etc","action":"click"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		root := t.TempDir()
		mb, err := channel.NewMailbox(root, zap.NewNop())
		if err != nil {
			t.Fatalf("mailbox setup failed: %v", err)
		}
		if err := mb.EnsureNamespace("fz"); err != nil {
			t.Fatalf("namespace setup failed: %v", err)
		}

		const fileID = "1-abc"
		path := filepath.Join(mb.Dir("fz"), "req-"+fileID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("writing fuzz input failed: %v", err)
		}

		requests, err := mb.Poll("fz")
		if err != nil {
			t.Fatalf("Poll must swallow malformed content, got error: %v", err)
		}
		for _, req := range requests {
			if req.ID != fileID {
				t.Errorf("Poll returned id %q from file %q", req.ID, fileID)
			}
			if req.Namespace != "fz" {
				t.Errorf("Poll returned namespace %q, want fz", req.Namespace)
			}
		}
	})
}

// FuzzValidName checks that arbitrary strings never panic the name check and
// that anything accepted survives a path-join without escaping.
func FuzzValidName(f *testing.F) {
	f.Add("session1")
	f.Add("../escape")
	f.Add("")
	f.Fuzz(func(t *testing.T, s string) {
		if !channel.ValidName(s) {
			return
		}
		joined := filepath.Join("/root", s)
		if filepath.Dir(joined) != "/root" {
			t.Errorf("accepted name %q escapes its directory: %s", s, joined)
		}
	})
}

// fuzz consumer variant: build a request struct from arbitrary bytes and
// check the write-then-poll cycle holds its invariants.
func FuzzMailboxRoundTrip(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var params map[string]string
		if err := consumer.FuzzMap(&params); err != nil {
			return
		}

		root := t.TempDir()
		mb, err := channel.NewMailbox(root, zap.NewNop())
		if err != nil {
			t.Fatalf("mailbox setup failed: %v", err)
		}
		for k := range params {
			// Arbitrary namespaces must either be rejected up front or stay
			// inside the root.
			if _, err := mb.Poll(k); err == nil {
				dir := mb.Dir(k)
				if rel, rerr := filepath.Rel(root, dir); rerr != nil || rel == ".." || filepath.IsAbs(rel) {
					t.Errorf("namespace %q escaped the mailbox root: %s", k, dir)
				}
			}
		}
	})
}
