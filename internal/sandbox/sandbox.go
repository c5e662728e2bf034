// Package sandbox confines launched workloads: process-level filesystem
// restrictions around the redirect workspace, plus an optional outbound
// domain proxy for subprocess HTTP(S) traffic.
package sandbox

import (
	"os"
	"strings"
)

const sandboxedEnvVar = "AGENTFS_SANDBOXED"

// Confinement modes for launched commands.
const (
	ModeOff      = "off"
	ModeStandard = "standard"
	ModeStrict   = "strict"
)

// ValidMode reports whether mode names a known confinement mode.
func ValidMode(mode string) bool {
	switch strings.TrimSpace(mode) {
	case ModeOff, ModeStandard, ModeStrict:
		return true
	}
	return false
}

// RestrictProcess applies process-level filesystem sandboxing to the current
// process. Restrictions survive exec, so the launcher calls this right
// before starting the workload. Writes are confined to the workspace.
func RestrictProcess(mode, workspace string) error {
	return restrictProcessImpl(mode, workspace)
}

// IsAlreadySandboxed reports whether the current process already re-execed
// under sandbox constraints.
func IsAlreadySandboxed() bool {
	return strings.TrimSpace(os.Getenv(sandboxedEnvVar)) == "1"
}
