// Package interpose replaces a fixed set of file and socket entry points for
// a sandboxed workload. Every replacement keeps a path to the original
// implementation: redirection failures fall back to it, and ineligible
// targets pass straight through.
package interpose

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"sync"

	"github.com/machinae/agentfs/internal/wire"
)

// Names of the intercepted operations.
const (
	SymOpen    = "open"
	SymClose   = "close"
	SymRead    = "read"
	SymWrite   = "write"
	SymStat    = "stat"
	SymLstat   = "lstat"
	SymMkdir   = "mkdir"
	SymUnlink  = "unlink"
	SymReadDir = "readdir"
	SymBind    = "bind"
	SymConnect = "connect"
)

// Signatures of the original implementations.
type (
	OpenFunc    func(path string, flags int, mode uint32) (int, error)
	CloseFunc   func(fd int) error
	ReadFunc    func(fd int, p []byte) (int, error)
	WriteFunc   func(fd int, p []byte) (int, error)
	StatFunc    func(path string) (wire.Attr, error)
	MkdirFunc   func(path string, mode uint32) error
	UnlinkFunc  func(path string) error
	ReadDirFunc func(path string) ([]fs.DirEntry, error)
	BindFunc    func(fd int, addr netip.AddrPort) error
	ConnectFunc func(fd int, addr netip.AddrPort) error
)

// ErrUnresolved reports that the true implementation behind an operation
// could not be located. The entry point fails closed with a permission
// error; it never retries.
var ErrUnresolved = errors.New("interpose: original entry not resolved")

// Chain supplies the implementation next in line behind the interposition
// layer. The default chain binds straight to the host OS; tests substitute
// recording chains.
type Chain interface {
	Lookup(name string) (any, error)
}

// Resolver caches one callable per operation name for the life of the
// process. First use resolves through the chain; concurrent first uses may
// race but publish a single idempotent result, and a reader never observes a
// half-initialized entry.
type Resolver struct {
	chain Chain
	cache sync.Map // name -> *resolvedEntry
}

type resolvedEntry struct {
	once sync.Once
	fn   any
	err  error
}

// NewResolver builds a resolver over the given chain.
func NewResolver(chain Chain) *Resolver {
	return &Resolver{chain: chain}
}

// Resolve returns the cached original for name, resolving it on first use.
func (r *Resolver) Resolve(name string) (any, error) {
	v, _ := r.cache.LoadOrStore(name, &resolvedEntry{})
	entry := v.(*resolvedEntry)
	entry.once.Do(func() {
		fn, err := r.chain.Lookup(name)
		if err == nil && fn == nil {
			err = fmt.Errorf("%w: %s", ErrUnresolved, name)
		}
		entry.fn, entry.err = fn, err
	})
	return entry.fn, entry.err
}

func resolveAs[T any](r *Resolver, name string) (T, error) {
	var zero T
	fn, err := r.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := fn.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s has type %T", ErrUnresolved, name, fn)
	}
	return typed, nil
}

func (r *Resolver) open() (OpenFunc, error)       { return resolveAs[OpenFunc](r, SymOpen) }
func (r *Resolver) close() (CloseFunc, error)     { return resolveAs[CloseFunc](r, SymClose) }
func (r *Resolver) read() (ReadFunc, error)       { return resolveAs[ReadFunc](r, SymRead) }
func (r *Resolver) write() (WriteFunc, error)     { return resolveAs[WriteFunc](r, SymWrite) }
func (r *Resolver) stat() (StatFunc, error)       { return resolveAs[StatFunc](r, SymStat) }
func (r *Resolver) lstat() (StatFunc, error)      { return resolveAs[StatFunc](r, SymLstat) }
func (r *Resolver) mkdir() (MkdirFunc, error)     { return resolveAs[MkdirFunc](r, SymMkdir) }
func (r *Resolver) unlink() (UnlinkFunc, error)   { return resolveAs[UnlinkFunc](r, SymUnlink) }
func (r *Resolver) readDir() (ReadDirFunc, error) { return resolveAs[ReadDirFunc](r, SymReadDir) }
func (r *Resolver) bind() (BindFunc, error)       { return resolveAs[BindFunc](r, SymBind) }
func (r *Resolver) connect() (ConnectFunc, error) { return resolveAs[ConnectFunc](r, SymConnect) }
