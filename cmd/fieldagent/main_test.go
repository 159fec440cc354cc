package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/setup"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func setupAgent(t *testing.T) string {
	t.Helper()
	// short path: the daemon socket lives in this directory
	dir, err := os.MkdirTemp("", "fc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	out, err := execute(t, "setup", dir, "--base-url", "http://127.0.0.1:1")
	require.NoError(t, err)
	agentDir := filepath.Join(dir, setup.DirName)
	assert.Contains(t, out, "Initialized "+agentDir)
	return agentDir
}

func TestSetup_WritesConfig(t *testing.T) {
	agentDir := setupAgent(t)
	cfg, err := setup.LoadConfig(agentDir)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:1", cfg.Server.BaseURL)
}

func TestSubmit_DaemonDownWritesInbox(t *testing.T) {
	agentDir := setupAgent(t)

	out, err := execute(t, "--dir", agentDir, "submit", "r1", "arrived", "--label", "Fire report of Ana Cruz")
	require.NoError(t, err)
	assert.Contains(t, out, "saved to inbox")

	inbox := agent.NewInbox(agentDir)
	paths, err := inbox.Pending()
	require.NoError(t, err)
	require.Len(t, paths, 1)
	a, err := inbox.Read(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "r1", a.ReportID)
	assert.Equal(t, model.ActionArrived, a.Action)
	assert.Equal(t, "Fire report of Ana Cruz", a.ReportLabel)
	assert.NotEmpty(t, a.IdempotencyKey)
}

func TestSubmit_RejectsUnknownAction(t *testing.T) {
	agentDir := setupAgent(t)
	_, err := execute(t, "--dir", agentDir, "submit", "r1", "teleported")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestDrain_DaemonDown(t *testing.T) {
	agentDir := setupAgent(t)
	_, err := execute(t, "--dir", agentDir, "drain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestStatus_DaemonDown(t *testing.T) {
	agentDir := setupAgent(t)
	_, err := execute(t, "--dir", agentDir, "submit", "r1", "on_the_way")
	require.NoError(t, err)

	out, err := execute(t, "--dir", agentDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon: stopped")
	assert.Contains(t, out, "Inbox: 1")
}

func TestNotifications_DaemonDownReadsStore(t *testing.T) {
	agentDir := setupAgent(t)
	out, err := execute(t, "--dir", agentDir, "notifications")
	require.NoError(t, err)
	assert.Contains(t, out, "No notifications")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fieldagent "+version+"\n", out)
}
