//go:build !linux && !darwin

package sandbox

import (
	"fmt"
	"strings"
)

// IsSandboxSupported reports sandbox support on non-Linux/non-Darwin
// platforms.
func IsSandboxSupported() bool {
	return false
}

func restrictProcessImpl(mode, workspace string) error {
	if strings.TrimSpace(mode) == ModeOff {
		return nil
	}
	return fmt.Errorf("confinement mode %q is unsupported on this platform", mode)
}
