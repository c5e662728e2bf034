// Package engine defines the filesystem engine contract behind the service
// and ships a copy-on-write in-memory implementation. An engine hosts a tree
// of branches, hands out snapshots of branch state, and serves path and
// handle operations scoped to a process identity bound to one branch.
package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PID identifies the process a handle or branch binding belongs to. The
// service assigns one per connection; it never has to match a kernel pid.
type PID uint32

// NodeID names a node within a branch. IDs are stable for the life of the
// node and never reused within an engine.
type NodeID uint64

// Handle names an open file. Handles are scoped to the PID that opened them.
type Handle uint64

// SnapshotID names an immutable point-in-time capture of a branch.
type SnapshotID uint64

// BranchID names a writable branch.
type BranchID uint64

// DefaultBranch is the branch every process starts bound to.
const DefaultBranch BranchID = 1

// Error is an operation failure with its OS errno. Engines return these so
// the service can put a real errno on the wire.
type Error struct {
	msg   string
	Errno unix.Errno
}

func (e *Error) Error() string { return e.msg }

func newError(msg string, errno unix.Errno) *Error {
	return &Error{msg: msg, Errno: errno}
}

var (
	ErrNotFound      = newError("not found", unix.ENOENT)
	ErrExists        = newError("already exists", unix.EEXIST)
	ErrNotDir        = newError("not a directory", unix.ENOTDIR)
	ErrIsDir         = newError("is a directory", unix.EISDIR)
	ErrNotEmpty      = newError("directory not empty", unix.ENOTEMPTY)
	ErrAccess        = newError("access denied", unix.EACCES)
	ErrBadHandle     = newError("bad handle", unix.EBADF)
	ErrInvalid       = newError("invalid argument", unix.EINVAL)
	ErrTooManyOpen   = newError("too many open handles", unix.EMFILE)
	ErrNoSpace       = newError("no space left", unix.ENOSPC)
	ErrTooManyLinks  = newError("too many symlinks", unix.ELOOP)
	ErrBranchLimit   = newError("branch limit reached", unix.EDQUOT)
	ErrSnapshotLimit = newError("snapshot limit reached", unix.EDQUOT)
)

// ErrnoOf returns the OS errno for an engine error, or EIO for anything
// that is not one.
func ErrnoOf(err error) unix.Errno {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	return unix.EIO
}

// FileTimes carries the per-node timestamps, seconds since the epoch.
type FileTimes struct {
	Atime int64
	Mtime int64
	Ctime int64
}

// Attributes describes one node.
type Attributes struct {
	Len       uint64
	IsDir     bool
	IsSymlink bool
	Mode      uint32
	Times     FileTimes
}

// DirEntry is one child in a directory listing.
type DirEntry struct {
	Name      string
	IsDir     bool
	IsSymlink bool
	Len       uint64
}

// OpenOptions selects the access an open handle grants.
type OpenOptions struct {
	Read   bool
	Write  bool
	Create bool
	// Truncate empties an existing file on open. Only honored with Write.
	Truncate bool
}

// BranchInfo describes one branch for listings.
type BranchInfo struct {
	ID     BranchID
	Name   string
	Parent SnapshotID // zero for the default branch
}

// SnapshotInfo describes one snapshot for listings.
type SnapshotInfo struct {
	ID     SnapshotID
	Name   string
	Source BranchID
}

// Engine is the filesystem behind the service. Implementations must be safe
// for concurrent use; every operation resolves paths within the branch the
// given PID is bound to.
type Engine interface {
	// Path operations.
	GetAttr(p PID, path string) (Attributes, error)
	SetTimes(p PID, path string, times FileTimes) error
	SetMode(p PID, path string, mode uint32) error
	Mkdir(p PID, path string) error
	Rmdir(p PID, path string) error
	Unlink(p PID, path string) error
	Rename(p PID, oldPath, newPath string) error
	Symlink(p PID, target, linkPath string) error
	Readlink(p PID, path string) (string, error)
	ReadDir(p PID, path string) ([]DirEntry, error)

	// Extended attributes.
	XattrGet(p PID, path, name string) ([]byte, error)
	XattrSet(p PID, path, name string, value []byte) error
	XattrList(p PID, path string) ([]string, error)

	// Node identity.
	ResolveNode(p PID, path string) (NodeID, error)
	CreateChild(p PID, parent NodeID, name string, dir bool) (NodeID, error)

	// Handle operations, scoped to the opening PID.
	Open(p PID, path string, opts OpenOptions) (Handle, error)
	OpenNode(p PID, id NodeID, opts OpenOptions) (Handle, error)
	ReadAt(p PID, h Handle, offset uint64, buf []byte) (int, error)
	WriteAt(p PID, h Handle, offset uint64, data []byte) (int, error)
	Close(p PID, h Handle) error
	CloseAll(p PID)

	// Control plane.
	SnapshotCreate(source BranchID, name string) (SnapshotID, error)
	Snapshots() []SnapshotInfo
	BranchCreate(from SnapshotID, name string) (BranchID, error)
	Branches() []BranchInfo
	Bind(p PID, b BranchID) error
	Unbind(p PID)
}
