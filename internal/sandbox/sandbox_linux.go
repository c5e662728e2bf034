//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// IsSandboxSupported reports whether Landlock is available on Linux.
func IsSandboxSupported() bool {
	abi, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0,
		0,
		uintptr(unix.LANDLOCK_CREATE_RULESET_VERSION),
	)
	return errno == 0 && abi >= 1
}

func restrictProcessImpl(mode, workspace string) error {
	trimmedMode := strings.TrimSpace(mode)
	if trimmedMode == ModeOff {
		return nil
	}
	if trimmedMode == ModeStrict && !IsSandboxSupported() {
		return errors.New("landlock is unavailable on this host")
	}

	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		return errors.New("workspace is required")
	}
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	absWorkspace, err = filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		return fmt.Errorf("resolve workspace symlinks: %w", err)
	}

	rules := []landlock.Rule{
		landlock.RWDirs(absWorkspace),
		landlock.RWDirs("/dev"),
	}
	if trimmedMode == ModeStrict {
		rules = append(rules, strictLinuxReadRules(absWorkspace)...)
	} else {
		rules = append(rules, landlock.RODirs("/"))
	}

	if err := landlock.V6.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("restrict process with landlock: %w", err)
	}
	return nil
}

func strictLinuxReadRules(workspace string) []landlock.Rule {
	readRoots := []string{
		filepath.Dir(workspace),
		"/bin",
		"/sbin",
		"/usr",
		"/usr/lib",
		"/usr/lib64",
		"/usr/libexec",
		"/lib",
		"/lib64",
		"/etc",
		"/dev",
		"/proc",
		"/sys",
		"/run",
		"/tmp",
	}
	rules := make([]landlock.Rule, 0, len(readRoots))
	for _, root := range readRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		rules = append(rules, landlock.RODirs(root))
	}
	return rules
}
