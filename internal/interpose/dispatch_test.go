package interpose

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/machinae/agentfs/internal/config"
	"github.com/machinae/agentfs/internal/netpolicy"
	"github.com/machinae/agentfs/internal/wire"
)

// recordingChain hands out originals that log their invocations, standing in
// for the host OS.
type recordingChain struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingChain) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recordingChain) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingChain) Lookup(name string) (any, error) {
	switch name {
	case SymOpen:
		return OpenFunc(func(path string, flags int, mode uint32) (int, error) {
			r.record("open %s", path)
			return 1000, nil
		}), nil
	case SymClose:
		return CloseFunc(func(fd int) error {
			r.record("close %d", fd)
			return nil
		}), nil
	case SymRead:
		return ReadFunc(func(fd int, p []byte) (int, error) {
			r.record("read %d", fd)
			return 0, nil
		}), nil
	case SymWrite:
		return WriteFunc(func(fd int, p []byte) (int, error) {
			r.record("write %d", fd)
			return len(p), nil
		}), nil
	case SymStat, SymLstat:
		return StatFunc(func(path string) (wire.Attr, error) {
			r.record("%s %s", name, path)
			return wire.Attr{Len: 7}, nil
		}), nil
	case SymMkdir:
		return MkdirFunc(func(path string, mode uint32) error {
			r.record("mkdir %s", path)
			return nil
		}), nil
	case SymUnlink:
		return UnlinkFunc(func(path string) error {
			r.record("unlink %s", path)
			return nil
		}), nil
	case SymBind:
		return BindFunc(func(fd int, addr netip.AddrPort) error {
			r.record("bind %s", addr)
			return nil
		}), nil
	case SymConnect:
		return ConnectFunc(func(fd int, addr netip.AddrPort) error {
			r.record("connect %s", addr)
			return nil
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolved, name)
}

func testConfig(server string) *config.Config {
	return &config.Config{
		Enabled: server != "",
		Server:  server,
		Prefix:  "/agentfs/",
	}
}

func newTestDispatcher(t *testing.T, cfg *config.Config, chain Chain) *Dispatcher {
	t.Helper()
	d, err := newDispatcher(cfg, chain)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// serveOnce runs a minimal filesystem service on a unix socket, answering
// every open with handle 500 and every other operation with success.
func serveOnce(t *testing.T, sock string) {
	t.Helper()
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen %s: %v", sock, err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					body, err := wire.ReadFrame(conn)
					if err != nil {
						return
					}
					env, err := wire.DecodeEnvelope(body)
					if err != nil {
						return
					}
					var resp wire.Response
					switch env.Op {
					case wire.OpOpen, wire.OpCreate:
						resp = wire.HandleResponse(500)
					case wire.OpRead:
						resp = wire.DataResponse([]byte("remote"))
					case wire.OpWrite:
						resp = wire.WrittenResponse(6)
					case wire.OpGetAttr:
						resp = wire.AttrResponse(wire.Attr{Len: 99})
					default:
						resp = wire.OKResponse()
					}
					out, err := wire.EncodeResponse(resp)
					if err != nil {
						return
					}
					if err := wire.WriteFrame(conn, out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
}

func TestIneligiblePathPassesThrough(t *testing.T) {
	chain := &recordingChain{}
	sock := filepath.Join(t.TempDir(), "agentfs.sock")
	serveOnce(t, sock)
	d := newTestDispatcher(t, testConfig(sock), chain)

	c := d.NewCaller()
	defer c.Close()

	fd, err := c.Open("/etc/hosts", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if fd != 1000 {
		t.Fatalf("expected the original's descriptor, got %d", fd)
	}
	if got := chain.recorded(); len(got) != 1 || got[0] != "open /etc/hosts" {
		t.Fatalf("expected exactly one original open, got %v", got)
	}
}

func TestDisabledRedirectionPassesThrough(t *testing.T) {
	chain := &recordingChain{}
	d := newTestDispatcher(t, testConfig(""), chain)

	c := d.NewCaller()
	defer c.Close()

	if _, err := c.Open("/agentfs/file", unix.O_RDONLY, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.Stat("/agentfs/file"); err != nil {
		t.Fatalf("stat: %v", err)
	}
	got := chain.recorded()
	if len(got) != 2 || got[0] != "open /agentfs/file" || got[1] != "stat /agentfs/file" {
		t.Fatalf("expected pass-through calls, got %v", got)
	}
}

func TestEligiblePathRedirects(t *testing.T) {
	chain := &recordingChain{}
	sock := filepath.Join(t.TempDir(), "agentfs.sock")
	serveOnce(t, sock)
	d := newTestDispatcher(t, testConfig(sock), chain)

	c := d.NewCaller()
	defer c.Close()

	fd, err := c.Open("/agentfs/data.txt", unix.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Session descriptors start at 1; the original would have said 1000.
	if fd != 1 {
		t.Fatalf("expected session descriptor 1, got %d", fd)
	}

	buf := make([]byte, 6)
	n, err := c.Read(fd, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "remote" {
		t.Fatalf("expected service payload, got %q", buf[:n])
	}

	attr, err := c.Stat("/agentfs/data.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if attr.Len != 99 {
		t.Fatalf("expected service attributes, got %+v", attr)
	}

	if err := c.CloseFD(fd); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := chain.recorded(); len(got) != 0 {
		t.Fatalf("original must not be called for redirected ops, got %v", got)
	}
}

func TestUnreachableServiceFallsBack(t *testing.T) {
	chain := &recordingChain{}
	// Endpoint configured but nothing is listening there.
	sock := filepath.Join(t.TempDir(), "missing.sock")
	d := newTestDispatcher(t, testConfig(sock), chain)

	c := d.NewCaller()
	defer c.Close()

	fd, err := c.Open("/agentfs/data.txt", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open must fall back, not fail: %v", err)
	}
	if fd != 1000 {
		t.Fatalf("expected the original's descriptor, got %d", fd)
	}
	if err := c.Mkdir("/agentfs/dir", 0o755); err != nil {
		t.Fatalf("mkdir must fall back: %v", err)
	}
	if err := c.Unlink("/agentfs/data.txt"); err != nil {
		t.Fatalf("unlink must fall back: %v", err)
	}

	got := chain.recorded()
	want := []string{"open /agentfs/data.txt", "mkdir /agentfs/dir", "unlink /agentfs/data.txt"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestForeignDescriptorsGoToOriginal(t *testing.T) {
	chain := &recordingChain{}
	sock := filepath.Join(t.TempDir(), "agentfs.sock")
	serveOnce(t, sock)
	d := newTestDispatcher(t, testConfig(sock), chain)

	c := d.NewCaller()
	defer c.Close()

	// No redirected open happened; fd 3 belongs to the OS.
	if _, err := c.Read(3, make([]byte, 4)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := c.Write(3, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.CloseFD(3); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := chain.recorded()
	want := []string{"read 3", "write 3", "close 3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBindBlockedSurfacesEACCES(t *testing.T) {
	chain := &recordingChain{}
	cfg := testConfig("")
	cfg.Network.Strategy = netpolicy.StrategyFail
	cfg.Network.ListenBase = 20000
	cfg.Network.ListenCount = 10
	d := newTestDispatcher(t, cfg, chain)

	err := d.Bind(5, netip.MustParseAddrPort("127.0.0.1:80"))
	if !errors.Is(err, unix.EACCES) {
		t.Fatalf("expected EACCES, got %v", err)
	}
	if got := chain.recorded(); len(got) != 0 {
		t.Fatalf("blocked bind must not reach the original, got %v", got)
	}

	if err := d.Bind(5, netip.MustParseAddrPort("127.0.0.1:20005")); err != nil {
		t.Fatalf("bind in range: %v", err)
	}
	if got := chain.recorded(); len(got) != 1 || got[0] != "bind 127.0.0.1:20005" {
		t.Fatalf("expected pass-through bind, got %v", got)
	}
}

func TestConnectRewriteDevice(t *testing.T) {
	chain := &recordingChain{}
	cfg := testConfig("")
	cfg.Network.Strategy = netpolicy.StrategyRewriteDevice
	cfg.Network.ConnectDeviceAddr = netip.MustParseAddr("127.0.2.1")
	d := newTestDispatcher(t, cfg, chain)

	if err := d.Connect(5, netip.MustParseAddrPort("127.0.0.1:8080")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	got := chain.recorded()
	if len(got) != 1 || got[0] != "connect 127.0.2.1:8080" {
		t.Fatalf("expected rewritten connect, got %v", got)
	}
}

func TestResolutionFailureFailsClosed(t *testing.T) {
	d := newTestDispatcher(t, testConfig(""), brokenChain{})

	c := d.NewCaller()
	defer c.Close()

	if _, err := c.Open("/etc/hosts", unix.O_RDONLY, 0); !errors.Is(err, unix.EACCES) {
		t.Fatalf("expected EACCES, got %v", err)
	}
	if err := d.Bind(5, netip.MustParseAddrPort("10.0.0.1:80")); !errors.Is(err, unix.EACCES) {
		t.Fatalf("expected EACCES, got %v", err)
	}
}

type brokenChain struct{}

func (brokenChain) Lookup(name string) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnresolved, name)
}

func TestResolverResolvesOncePerName(t *testing.T) {
	chain := &countingChain{inner: &recordingChain{}}
	r := NewResolver(chain)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(SymOpen); err != nil {
				t.Errorf("resolve: %v", err)
			}
			if _, err := r.Resolve(SymBind); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	chain.mu.Lock()
	defer chain.mu.Unlock()
	if chain.lookups[SymOpen] != 1 || chain.lookups[SymBind] != 1 {
		t.Fatalf("expected one lookup per name, got %v", chain.lookups)
	}
}

type countingChain struct {
	inner   Chain
	mu      sync.Mutex
	lookups map[string]int
}

func (c *countingChain) Lookup(name string) (any, error) {
	c.mu.Lock()
	if c.lookups == nil {
		c.lookups = make(map[string]int)
	}
	c.lookups[name]++
	c.mu.Unlock()
	return c.inner.Lookup(name)
}
