// Package lifecycle manages a running agent's on-disk footprint: its pid
// file, its local RPC endpoint, and the daemon-start flow that ties the two
// together (refuse-if-live, clean-if-stale, spawn-detached, poll-ready).
package lifecycle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"
)

// Paths is the on-disk footprint of one agent instance.
type Paths struct {
	AgentID  string
	PIDFile  string
	Endpoint string
	LogFile  string
}

// PathsFor computes the standard paths for agentID under stateRoot:
// {stateRoot}/pids/{agentId}.pid, {stateRoot}/logs/{agentId}.log, and an
// endpoint computed the same way the daemon package computes its own
// default (sockets/{agentId}.sock on POSIX, a named pipe on Windows).
func PathsFor(stateRoot, agentID string) Paths {
	if stateRoot == "" {
		stateRoot = defaultStateRoot()
	}
	return Paths{
		AgentID:  agentID,
		PIDFile:  filepath.Join(stateRoot, "pids", agentID+".pid"),
		Endpoint: endpointPath(stateRoot, agentID),
		LogFile:  filepath.Join(stateRoot, "logs", agentID+".log"),
	}
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), ".openstarry")
	}
	return filepath.Join(home, ".openstarry")
}

// WritePID writes pid as a decimal number followed by a newline to path,
// creating the parent directory if missing.
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("lifecycle: mkdir pid dir: %w", err)
	}
	data := []byte(strconv.Itoa(pid) + "\n")
	return os.WriteFile(path, data, 0o600)
}

// ReadPID reads and parses path. Absence, a parse failure, or a non-positive
// value are all reported as (0, false) rather than an error: every caller
// treats them identically (no usable pid).
func ReadPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// DeletePID removes path; a missing file is not an error.
func DeletePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove pid file: %w", err)
	}
	return nil
}

// CleanStale drops whichever of p's pid file and endpoint are left behind by
// a dead or never-started instance: if no pid file exists, the endpoint
// (e.g. a socket orphaned by an unclean shutdown) is removed if present; if
// a pid file exists but names a process that is no longer alive, both files
// are removed.
func CleanStale(p Paths) error {
	pid, ok := ReadPID(p.PIDFile)
	if !ok {
		return removeIfExists(p.Endpoint)
	}
	if IsAlive(pid) {
		return nil
	}
	if err := DeletePID(p.PIDFile); err != nil {
		return err
	}
	return removeIfExists(p.Endpoint)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove %s: %w", path, err)
	}
	return nil
}

// RunningAgent is one live instance discovered by ListRunning.
type RunningAgent struct {
	AgentID    string
	PID        int
	Executable string
}

// ListRunning enumerates pidsDir and returns every entry whose pid is still
// alive, skipping stale or unparsable ones rather than erroring. Executable
// is best-effort (empty if the OS process table can't be read or the pid
// has no resolvable entry) and is for display only — liveness itself is
// decided by IsAlive, not by this lookup.
func ListRunning(pidsDir string) ([]RunningAgent, error) {
	entries, err := os.ReadDir(pidsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lifecycle: read pids dir: %w", err)
	}

	procs, _ := ps.Processes()
	execByPID := make(map[int]string, len(procs))
	for _, p := range procs {
		execByPID[p.Pid()] = p.Executable()
	}

	var out []RunningAgent
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		agentID := strings.TrimSuffix(e.Name(), ".pid")
		pid, ok := ReadPID(filepath.Join(pidsDir, e.Name()))
		if !ok || !IsAlive(pid) {
			continue
		}
		out = append(out, RunningAgent{AgentID: agentID, PID: pid, Executable: execByPID[pid]})
	}
	return out, nil
}

// StartOptions configures StartDaemon.
type StartOptions struct {
	AgentID     string
	BinaryPath  string
	ConfigPath  string
	StateRoot   string
	ReadyDeadline time.Duration
}

// ErrAlreadyRunning is returned by StartDaemon when a live instance for the
// same agent id already owns the pid file.
type ErrAlreadyRunning struct {
	AgentID string
	PID     int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("lifecycle: agent %q already running (pid %d)", e.AgentID, e.PID)
}

// StartDaemon implements the daemon-start flow: compute paths, refuse if an
// existing live pid is found, clean stale files otherwise, launch the
// daemon binary detached with its argv contract
// (--agent-id --config --pid-file --socket --log-file), then poll the
// endpoint for readiness up to opts.ReadyDeadline (default 5s) before
// returning. The spawned child writes its own pid file.
func StartDaemon(opts StartOptions) (Paths, error) {
	paths := PathsFor(opts.StateRoot, opts.AgentID)
	deadline := opts.ReadyDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	if pid, ok := ReadPID(paths.PIDFile); ok && IsAlive(pid) {
		return paths, &ErrAlreadyRunning{AgentID: opts.AgentID, PID: pid}
	}
	if err := CleanStale(paths); err != nil {
		return paths, err
	}

	if err := spawnDetached(opts.BinaryPath, paths, opts.ConfigPath); err != nil {
		return paths, fmt.Errorf("lifecycle: spawn daemon: %w", err)
	}

	if err := waitForEndpoint(paths.Endpoint, deadline); err != nil {
		return paths, err
	}
	if err := pingEndpoint(paths.Endpoint, deadline); err != nil {
		return paths, err
	}
	return paths, nil
}

func waitForEndpoint(endpoint string, deadline time.Duration) error {
	cutoff := time.Now().Add(deadline)
	for {
		if endpointExists(endpoint) {
			return nil
		}
		if time.Now().After(cutoff) {
			return fmt.Errorf("lifecycle: endpoint %s not ready after %v", endpoint, deadline)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func endpointExists(endpoint string) bool {
	_, err := os.Stat(endpoint)
	return err == nil
}

// readLine is a small helper shared by pingEndpoint's response parsing.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
