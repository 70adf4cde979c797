// Package security implements the path containment validator:
// override, enforced on a path-separator boundary so "/allowedfoo" never
// slips under an allow-listed "/allowed".
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SessionConfigAccessor resolves a session's configured allow-list
// override, if any.
type SessionConfigAccessor func(sessionID string) (allowedPaths []string, ok bool)

// PathError reports a path that failed containment validation.
type PathError struct {
	Target string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q is not within an allowed directory", e.Target)
}

// Layer validates filesystem paths against agent- and session-scoped
// allow-lists.
type Layer struct {
	agentPaths   []string
	sessionCfg   SessionConfigAccessor
}

// New constructs a Layer. agentPaths are normalised/absolutised eagerly;
// sessionCfg may be nil.
func New(agentPaths []string, sessionCfg SessionConfigAccessor) *Layer {
	normalized := make([]string, 0, len(agentPaths))
	for _, p := range agentPaths {
		normalized = append(normalized, normalize(p))
	}
	return &Layer{agentPaths: normalized, sessionCfg: sessionCfg}
}

// ValidatePath normalises target and checks it against the effective
// allow-list for sessionID (the agent-level list, optionally narrowed by
// the session's own allow-list when one is configured and non-empty).
func (l *Layer) ValidatePath(target string, sessionID string) error {
	effective := l.effectiveAllowList(sessionID)
	normTarget := normalize(target)

	for _, allowed := range effective {
		if withinBoundary(allowed, normTarget) {
			return nil
		}
	}
	return &PathError{Target: target}
}

// EffectiveAllowList exposes the computed allow-list for sessionID so
// callers (e.g. the execution loop) can populate a tool context without
// re-deriving the override logic.
func (l *Layer) EffectiveAllowList(sessionID string) []string {
	return l.effectiveAllowList(sessionID)
}

// effectiveAllowList implements invariant 6: the session override, filtered
// to the subset contained in the agent list; if no valid subset remains or
// no override is configured, the full agent list.
func (l *Layer) effectiveAllowList(sessionID string) []string {
	if l.sessionCfg == nil {
		return l.agentPaths
	}
	sessionPaths, ok := l.sessionCfg(sessionID)
	if !ok || len(sessionPaths) == 0 {
		return l.agentPaths
	}

	var subset []string
	for _, sp := range sessionPaths {
		normSP := normalize(sp)
		for _, ap := range l.agentPaths {
			if withinBoundary(ap, normSP) {
				subset = append(subset, normSP)
				break
			}
		}
	}
	if len(subset) == 0 {
		return l.agentPaths
	}
	return subset
}

func normalize(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}

// withinBoundary reports whether target equals allowed or is nested under
// it on a path-separator boundary.
func withinBoundary(allowed, target string) bool {
	if allowed == target {
		return true
	}
	prefix := allowed
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}
