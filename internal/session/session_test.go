package session

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/machinae/agentfs/internal/wire"
)

// fakeService speaks the wire protocol over an in-memory pipe. It issues
// handles starting at 100 so tests can tell remote handles from local
// descriptors, and records the handle each I/O request referenced.
type fakeService struct {
	conn       net.Conn
	nextHandle uint64
	files      map[uint64][]byte

	sawHandles []uint64
	failOps    map[string]wire.Response
}

func newFakeService(t *testing.T) (*fakeService, *Session) {
	t.Helper()
	client, server := net.Pipe()
	svc := &fakeService{
		conn:       server,
		nextHandle: 100,
		files:      make(map[uint64][]byte),
		failOps:    make(map[string]wire.Response),
	}
	go svc.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	s := New("fake")
	s.Dialer = func() (net.Conn, error) { return client, nil }
	return svc, s
}

func (f *fakeService) serve() {
	for {
		body, err := wire.ReadFrame(f.conn)
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(body)
		if err != nil {
			return
		}
		resp := f.handle(env.Op, body)
		out, err := wire.EncodeResponse(resp)
		if err != nil {
			return
		}
		if err := wire.WriteFrame(f.conn, out); err != nil {
			return
		}
	}
}

func (f *fakeService) handle(op string, body []byte) wire.Response {
	if resp, ok := f.failOps[op]; ok {
		return resp
	}
	switch op {
	case wire.OpOpen, wire.OpCreate:
		h := f.nextHandle
		f.nextHandle++
		f.files[h] = nil
		return wire.HandleResponse(h)
	case wire.OpClose:
		var req wire.CloseRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return wire.ErrorResponse(err.Error(), 0)
		}
		f.sawHandles = append(f.sawHandles, req.Handle)
		delete(f.files, req.Handle)
		return wire.OKResponse()
	case wire.OpRead:
		var req wire.ReadRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return wire.ErrorResponse(err.Error(), 0)
		}
		f.sawHandles = append(f.sawHandles, req.Handle)
		data, ok := f.files[req.Handle]
		if !ok {
			return wire.ErrorResponse("invalid handle", 9)
		}
		if req.Offset >= uint64(len(data)) {
			return wire.DataResponse(nil)
		}
		end := req.Offset + uint64(req.Len)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		return wire.DataResponse(data[req.Offset:end])
	case wire.OpWrite:
		var req wire.WriteRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return wire.ErrorResponse(err.Error(), 0)
		}
		f.sawHandles = append(f.sawHandles, req.Handle)
		data, ok := f.files[req.Handle]
		if !ok {
			return wire.ErrorResponse("invalid handle", 9)
		}
		need := req.Offset + uint64(len(req.Data))
		if uint64(len(data)) < need {
			grown := make([]byte, need)
			copy(grown, data)
			data = grown
		}
		copy(data[req.Offset:], req.Data)
		f.files[req.Handle] = data
		return wire.WrittenResponse(uint64(len(req.Data)))
	case wire.OpGetAttr:
		return wire.AttrResponse(wire.Attr{Len: 42})
	case wire.OpMkdir, wire.OpUnlink:
		return wire.OKResponse()
	case wire.OpReadDir:
		return wire.EntriesResponse([]wire.DirEntry{{Name: "a.txt", Len: 1}})
	}
	return wire.ErrorResponse(fmt.Sprintf("unknown op %s", op), 0)
}

func TestDescriptorsStrictlyIncreaseFromOne(t *testing.T) {
	_, s := newFakeService(t)

	var fds []int
	for i := 0; i < 3; i++ {
		fd, err := s.Open("/agentfs/f", true, false, false)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		fds = append(fds, fd)
	}
	for i, fd := range fds {
		if fd != i+1 {
			t.Fatalf("expected descriptor %d, got %d", i+1, fd)
		}
	}
}

func TestTwoSessionsMintIndependently(t *testing.T) {
	_, s1 := newFakeService(t)
	_, s2 := newFakeService(t)

	fd1, err := s1.Open("/agentfs/f", true, false, false)
	if err != nil {
		t.Fatalf("open on first session: %v", err)
	}
	fd2, err := s2.Open("/agentfs/f", true, false, false)
	if err != nil {
		t.Fatalf("open on second session: %v", err)
	}
	// Same numeric value, no collision: descriptor scope is the session.
	if fd1 != 1 || fd2 != 1 {
		t.Fatalf("expected both sessions to mint 1, got %d and %d", fd1, fd2)
	}
	if s1.Knows(fd2) != true {
		t.Fatal("session must know its own descriptor")
	}
	if err := s1.Close(fd1); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s1.Knows(fd1) {
		t.Fatal("closed descriptor must be forgotten")
	}
	if !s2.Knows(fd2) {
		t.Fatal("closing on one session must not affect the other")
	}
}

func TestOperationsForwardServiceHandle(t *testing.T) {
	svc, s := newFakeService(t)

	fd, err := s.Open("/agentfs/f", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Write(fd, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := s.ReadAt(fd, buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Every request referenced the handle the service issued (100), never
	// the local descriptor (1).
	for _, h := range svc.sawHandles {
		if h != 100 {
			t.Fatalf("request carried handle %d, expected service handle 100", h)
		}
	}
	if len(svc.sawHandles) != 3 {
		t.Fatalf("expected 3 handle-bearing requests, got %d", len(svc.sawHandles))
	}
}

func TestReadWriteRoundTripEchoesData(t *testing.T) {
	_, s := newFakeService(t)

	fd, err := s.Open("/agentfs/f", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := []byte("the quick brown fox")
	n, err := s.Write(fd, payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}

	buf := make([]byte, len(payload))
	n, err = s.ReadAt(fd, buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("read returned %q, expected %q", buf[:n], payload)
	}
}

func TestSequentialOffsetAdvances(t *testing.T) {
	_, s := newFakeService(t)

	fd, err := s.Open("/agentfs/f", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Write(fd, []byte("abc")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := s.Write(fd, []byte("def")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	buf := make([]byte, 6)
	if _, err := s.ReadAt(fd, buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "abcdef" {
		t.Fatalf("sequential writes landed wrong: %q", buf)
	}
}

func TestReadCapsAtMaxChunk(t *testing.T) {
	svc, s := newFakeService(t)

	fd, err := s.Open("/agentfs/big", true, true, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc.files[100] = make([]byte, MaxChunk*2)

	buf := make([]byte, MaxChunk*2)
	n, err := s.ReadAt(fd, buf, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != MaxChunk {
		t.Fatalf("a single round trip must move at most %d bytes, moved %d", MaxChunk, n)
	}
}

func TestUnknownDescriptor(t *testing.T) {
	_, s := newFakeService(t)

	if _, err := s.Read(99, make([]byte, 4)); !errors.Is(err, ErrUnknownDescriptor) {
		t.Fatalf("expected ErrUnknownDescriptor, got %v", err)
	}
	if err := s.Close(99); !errors.Is(err, ErrUnknownDescriptor) {
		t.Fatalf("expected ErrUnknownDescriptor, got %v", err)
	}
}

func TestRemoteFailureSurfacesAsRemoteError(t *testing.T) {
	svc, s := newFakeService(t)
	svc.failOps[wire.OpOpen] = wire.ErrorResponse("Access denied", 13)

	_, err := s.Open("/agentfs/secret", true, false, false)
	var remote *wire.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.Code != 13 {
		t.Fatalf("expected errno 13, got %d", remote.Code)
	}
}

func TestDialFailureIsTransportError(t *testing.T) {
	s := New("fake")
	s.Dialer = func() (net.Conn, error) { return nil, errors.New("no listener") }

	if _, err := s.Open("/agentfs/f", true, false, false); !errors.Is(err, wire.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestPeerCloseIsTransportError(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	s := New("fake")
	s.Dialer = func() (net.Conn, error) { return client, nil }
	if _, err := s.GetAttr("/agentfs/f"); !errors.Is(err, wire.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry("/tmp/agentfs.sock")

	s1, err := r.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s2, err := r.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s1 == s2 {
		t.Fatal("each worker must get its own session")
	}

	if err := r.Release(s1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.Acquire(); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}
