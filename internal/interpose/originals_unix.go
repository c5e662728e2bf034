//go:build unix

package interpose

import (
	"fmt"
	"io/fs"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"

	"github.com/machinae/agentfs/internal/wire"
)

// DefaultChain binds original entry points straight to the host OS.
func DefaultChain() Chain { return osChain{} }

type osChain struct{}

func (osChain) Lookup(name string) (any, error) {
	switch name {
	case SymOpen:
		return OpenFunc(func(path string, flags int, mode uint32) (int, error) {
			return unix.Open(path, flags, mode)
		}), nil
	case SymClose:
		return CloseFunc(unix.Close), nil
	case SymRead:
		return ReadFunc(unix.Read), nil
	case SymWrite:
		return WriteFunc(unix.Write), nil
	case SymStat:
		return StatFunc(func(path string) (wire.Attr, error) {
			var st unix.Stat_t
			if err := unix.Stat(path, &st); err != nil {
				return wire.Attr{}, err
			}
			return attrFromStat(&st), nil
		}), nil
	case SymLstat:
		return StatFunc(func(path string) (wire.Attr, error) {
			var st unix.Stat_t
			if err := unix.Lstat(path, &st); err != nil {
				return wire.Attr{}, err
			}
			return attrFromStat(&st), nil
		}), nil
	case SymMkdir:
		return MkdirFunc(func(path string, mode uint32) error {
			return unix.Mkdir(path, mode)
		}), nil
	case SymUnlink:
		return UnlinkFunc(unix.Unlink), nil
	case SymReadDir:
		return ReadDirFunc(func(path string) ([]fs.DirEntry, error) {
			return os.ReadDir(path)
		}), nil
	case SymBind:
		return BindFunc(func(fd int, addr netip.AddrPort) error {
			return unix.Bind(fd, sockaddrFromAddrPort(addr))
		}), nil
	case SymConnect:
		return ConnectFunc(func(fd int, addr netip.AddrPort) error {
			return unix.Connect(fd, sockaddrFromAddrPort(addr))
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolved, name)
}

func attrFromStat(st *unix.Stat_t) wire.Attr {
	fileType := st.Mode & unix.S_IFMT
	return wire.Attr{
		Len:       uint64(st.Size),
		IsDir:     fileType == unix.S_IFDIR,
		IsSymlink: fileType == unix.S_IFLNK,
	}
}

func sockaddrFromAddrPort(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}
