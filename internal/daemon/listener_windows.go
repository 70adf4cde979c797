//go:build windows

package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// listen opens the local RPC endpoint as a Windows named pipe. Named-pipe
// transport requires a platform IPC library no example in this codebase's
// dependency set imports directly (only pulled in transitively by unrelated
// Docker/SSH clients elsewhere in the ecosystem), so it is left
// unimplemented here rather than hand-rolling a raw syscall-level pipe
// server; sandboxed and native plugins both already work cross-platform, so
// only the daemon's local-client transport is POSIX-only for now.
func listen(endpointPath string) (net.Listener, error) {
	return nil, fmt.Errorf("daemon: named-pipe transport not implemented on windows (endpoint %s)", endpointPath)
}

// defaultEndpointPath returns the default named-pipe path for agentID,
// salted with a short hash of statePath so two state directories never
// collide on the same pipe name.
func defaultEndpointPath(statePath, agentID string) string {
	if statePath == "" {
		statePath = defaultStateRoot()
	}
	sum := sha256.Sum256([]byte(statePath))
	return fmt.Sprintf(`\\.\pipe\openstarry-%s-%s`, agentID, hex.EncodeToString(sum[:])[:8])
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.Getenv("TEMP"), ".openstarry")
	}
	return filepath.Join(home, ".openstarry")
}
