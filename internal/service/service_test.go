package service

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/machinae/agentfs/internal/engine"
	"github.com/machinae/agentfs/internal/session"
	"github.com/machinae/agentfs/internal/wire"
)

// startServer runs a server over a fresh in-memory engine and returns the
// socket path clients dial.
func startServer(t *testing.T) (string, *engine.MemFS) {
	t.Helper()
	eng := engine.NewMemFS(engine.DefaultConfig())
	srv := New(eng)
	sock := filepath.Join(t.TempDir(), "agentfs.sock")
	if err := srv.Listen(sock); err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("close server: %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return sock, eng
}

func TestCreateWriteReadOverSocket(t *testing.T) {
	sock, _ := startServer(t)
	s := session.New(sock)
	defer s.Disconnect()

	fd, err := s.Open("/notes.txt", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Write(fd, []byte("hello over the wire")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := s.ReadAt(fd, buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello over the wire" {
		t.Fatalf("read back %q", buf[:n])
	}

	attr, err := s.GetAttr("/notes.txt")
	if err != nil {
		t.Fatalf("getattr: %v", err)
	}
	if attr.Len != 19 || attr.IsDir {
		t.Fatalf("attributes %+v", attr)
	}
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMkdirReaddirUnlinkOverSocket(t *testing.T) {
	sock, _ := startServer(t)
	s := session.New(sock)
	defer s.Disconnect()

	if err := s.Mkdir("/dir"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fd, err := s.Open("/dir/file", false, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := s.ReadDir("/dir")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "file" {
		t.Fatalf("listing %+v", entries)
	}

	if err := s.Unlink("/dir/file"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	entries, err = s.ReadDir("/dir")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty listing, got %+v", entries)
	}
}

func TestRemoteErrorCarriesErrno(t *testing.T) {
	sock, _ := startServer(t)
	s := session.New(sock)
	defer s.Disconnect()

	_, err := s.Open("/does-not-exist", true, false, false)
	var remote *wire.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != int32(unix.ENOENT) {
		t.Fatalf("expected ENOENT code, got %d", remote.Code)
	}
}

func TestClientsAreIsolated(t *testing.T) {
	sock, _ := startServer(t)

	s1 := session.New(sock)
	defer s1.Disconnect()
	s2 := session.New(sock)
	defer s2.Disconnect()

	fd1, err := s1.Open("/shared.txt", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s1.Write(fd1, []byte("one")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The second client sees the file but cannot use the first client's
	// handle number.
	attr, err := s2.GetAttr("/shared.txt")
	if err != nil {
		t.Fatalf("getattr from second client: %v", err)
	}
	if attr.Len != 3 {
		t.Fatalf("attributes %+v", attr)
	}

	// The first client's handle number is meaningless on the second
	// client's connection.
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	body, err := wire.EncodeRequest(wire.NewReadRequest(1, 0, 8))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wire.WriteFrame(conn, body); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != int32(unix.EBADF) {
		t.Fatalf("expected EBADF for a foreign handle, got %+v", resp)
	}
}

func TestUnsupportedOperationRejected(t *testing.T) {
	eng := engine.NewMemFS(engine.DefaultConfig())
	srv := New(eng)
	body, err := wire.EncodeRequest(map[string]string{"version": wire.Version, "op": "fs.chmod"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp := srv.dispatch(1, body)
	if resp.Error == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Code != int32(unix.EINVAL) {
		t.Fatalf("expected EINVAL, got %d", resp.Code)
	}
}

func TestDispatchRejectsWrongVersion(t *testing.T) {
	eng := engine.NewMemFS(engine.DefaultConfig())
	srv := New(eng)

	body, err := wire.EncodeRequest(map[string]string{"version": "99", "op": wire.OpMkdir})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp := srv.dispatch(1, body)
	if resp.Error == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestReadChunkCapped(t *testing.T) {
	eng := engine.NewMemFS(engine.DefaultConfig())
	srv := New(eng)

	h, err := eng.Open(1, "/big", engine.OpenOptions{Read: true, Write: true, Create: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := make([]byte, maxChunk+512)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := eng.WriteAt(1, h, 0, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	body, err := wire.EncodeRequest(wire.NewReadRequest(uint64(h), 0, len(payload)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp := srv.dispatch(1, body)
	data, err := resp.DataBytes()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if len(data) != maxChunk {
		t.Fatalf("expected capped read of %d bytes, got %d", maxChunk, len(data))
	}
}

func TestCreateTruncatesExisting(t *testing.T) {
	sock, _ := startServer(t)
	s := session.New(sock)
	defer s.Disconnect()

	fd, err := s.Open("/f", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Write(fd, []byte("previous content")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Re-creating the same path starts it empty again.
	fd, err = s.Open("/f", true, true, true)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	defer s.Close(fd)
	attr, err := s.GetAttr("/f")
	if err != nil {
		t.Fatalf("getattr: %v", err)
	}
	if attr.Len != 0 {
		t.Fatalf("expected truncated file, len %d", attr.Len)
	}
}
