package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadDeletePID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pids", "agent-1.pid")

	require.NoError(t, WritePID(path, 4242))

	pid, ok := ReadPID(path)
	require.True(t, ok)
	assert.Equal(t, 4242, pid)

	require.NoError(t, DeletePID(path))
	_, ok = ReadPID(path)
	assert.False(t, ok)
}

func TestReadPIDMissingOrGarbage(t *testing.T) {
	dir := t.TempDir()

	_, ok := ReadPID(filepath.Join(dir, "nope.pid"))
	assert.False(t, ok)

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid\n"), 0o600))
	_, ok = ReadPID(garbage)
	assert.False(t, ok)

	zero := filepath.Join(dir, "zero.pid")
	require.NoError(t, os.WriteFile(zero, []byte("0\n"), 0o600))
	_, ok = ReadPID(zero)
	assert.False(t, ok)
}

func TestDeletePIDMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, DeletePID(filepath.Join(dir, "absent.pid")))
}

func TestIsAliveCurrentProcess(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveRejectsNonPositive(t *testing.T) {
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}

func TestCleanStaleNoPidFileDropsEndpointOnly(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		PIDFile:  filepath.Join(dir, "pids", "agent-1.pid"),
		Endpoint: filepath.Join(dir, "sockets", "agent-1.sock"),
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.Endpoint), 0o700))
	require.NoError(t, os.WriteFile(paths.Endpoint, []byte{}, 0o600))

	require.NoError(t, CleanStale(paths))
	_, err := os.Stat(paths.Endpoint)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanStaleLivePidLeavesFilesAlone(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		PIDFile:  filepath.Join(dir, "pids", "agent-1.pid"),
		Endpoint: filepath.Join(dir, "sockets", "agent-1.sock"),
	}
	require.NoError(t, WritePID(paths.PIDFile, os.Getpid()))
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.Endpoint), 0o700))
	require.NoError(t, os.WriteFile(paths.Endpoint, []byte{}, 0o600))

	require.NoError(t, CleanStale(paths))
	_, ok := ReadPID(paths.PIDFile)
	assert.True(t, ok)
	_, err := os.Stat(paths.Endpoint)
	assert.NoError(t, err)
}

func TestCleanStaleDeadPidDropsBoth(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		PIDFile:  filepath.Join(dir, "pids", "agent-1.pid"),
		Endpoint: filepath.Join(dir, "sockets", "agent-1.sock"),
	}
	// A pid astronomically unlikely to be alive in this test environment.
	require.NoError(t, WritePID(paths.PIDFile, 1<<30))
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.Endpoint), 0o700))
	require.NoError(t, os.WriteFile(paths.Endpoint, []byte{}, 0o600))

	require.NoError(t, CleanStale(paths))
	_, ok := ReadPID(paths.PIDFile)
	assert.False(t, ok)
	_, err := os.Stat(paths.Endpoint)
	assert.True(t, os.IsNotExist(err))
}

func TestListRunningFiltersToLivePids(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePID(filepath.Join(dir, "live.pid"), os.Getpid()))
	require.NoError(t, WritePID(filepath.Join(dir, "dead.pid"), 1<<30))

	agents, err := ListRunning(dir)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "live", agents[0].AgentID)
	assert.Equal(t, os.Getpid(), agents[0].PID)
}

func TestListRunningMissingDirIsEmptyNotError(t *testing.T) {
	agents, err := ListRunning(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestPathsForDefaultsLayout(t *testing.T) {
	p := PathsFor("/tmp/state-root", "agent-1")
	assert.Equal(t, "/tmp/state-root/pids/agent-1.pid", p.PIDFile)
	assert.Equal(t, "/tmp/state-root/logs/agent-1.log", p.LogFile)
	assert.Contains(t, p.Endpoint, "agent-1")
}

func TestStartDaemonRefusesWhenAlreadyLive(t *testing.T) {
	dir := t.TempDir()
	paths := PathsFor(dir, "agent-1")
	require.NoError(t, WritePID(paths.PIDFile, os.Getpid()))

	_, err := StartDaemon(StartOptions{AgentID: "agent-1", StateRoot: dir, BinaryPath: "/bin/true"})
	require.Error(t, err)
	var already *ErrAlreadyRunning
	assert.ErrorAs(t, err, &already)
}
