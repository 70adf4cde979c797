package sandbox

import (
	"time"

	"github.com/openstarry/core/pkg/pluginsdk"
)

// backoffForCrash computes the restart delay for a worker that has already
// crashed priorCrashes times (before this one):
// min(backoffMs × 2^priorCrashes, maxBackoffMs). Specialized from the
// jittered exponential-backoff shape elsewhere in this codebase to a
// deterministic factor-2/no-jitter formula.
func backoffForCrash(policy pluginsdk.RestartPolicy, priorCrashes int) time.Duration {
	base := policy.BackoffMs
	shifted := base << uint(priorCrashes)
	if shifted <= 0 || shifted > policy.MaxBackoffMs {
		shifted = policy.MaxBackoffMs
	}
	return time.Duration(shifted) * time.Millisecond
}

// restartPolicyFor returns manifest's sandbox restart policy, falling back
// to the package default when the plugin has no sandbox configuration.
func restartPolicyFor(manifest *pluginsdk.Manifest) pluginsdk.RestartPolicy {
	if manifest == nil || manifest.Sandbox == nil {
		return pluginsdk.DefaultRestartPolicy()
	}
	policy := manifest.Sandbox.Restart
	if policy.MaxRestarts == 0 && policy.BackoffMs == 0 {
		return pluginsdk.DefaultRestartPolicy()
	}
	return policy
}

// resetIfExpired zeroes crashCount when resetWindowMs has elapsed since the
// last crash with no new crash in between.
func resetIfExpired(policy pluginsdk.RestartPolicy, crashCount int, lastCrash time.Time, now time.Time) int {
	if crashCount == 0 {
		return 0
	}
	if now.Sub(lastCrash) > time.Duration(policy.ResetWindowMs)*time.Millisecond {
		return 0
	}
	return crashCount
}
