//go:build windows

package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// IsAlive reports whether pid names a live process, probed via
// OpenProcess/GetExitCodeProcess: the platform-equivalent of a POSIX
// signal-0 existence check.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}

// endpointPath mirrors the daemon package's named-pipe layout.
func endpointPath(stateRoot, agentID string) string {
	sum := sha256.Sum256([]byte(stateRoot))
	return fmt.Sprintf(`\\.\pipe\openstarry-%s-%s`, agentID, hex.EncodeToString(sum[:])[:8])
}

func spawnDetached(binaryPath string, paths Paths, configPath string) error {
	logFile, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binaryPath,
		"--agent-id", paths.AgentID,
		"--config", configPath,
		"--pid-file", paths.PIDFile,
		"--socket", paths.Endpoint,
		"--log-file", paths.LogFile,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS}

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// pingEndpoint is unimplemented on Windows: the daemon's named-pipe
// transport is itself unimplemented (see internal/daemon/listener_windows.go),
// so there is nothing to dial yet.
func pingEndpoint(endpoint string, deadline time.Duration) error {
	return fmt.Errorf("lifecycle: named-pipe ping not implemented on windows (endpoint %s)", endpoint)
}
