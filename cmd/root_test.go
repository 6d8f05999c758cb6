// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRootCmd_NoArgsShowsHelp(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "sandbridge")
	assert.Contains(t, out, "Usage:")
}

func TestRootCmd_SubcommandsRegistered(t *testing.T) {
	root := NewRootCommand()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["resolve"])
}

func TestRootCmd_UnknownSubcommand(t *testing.T) {
	_, err := executeCommand(t, "definitely-not-a-command")
	assert.Error(t, err)
}
