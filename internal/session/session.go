// Package session implements the client side of the filesystem service
// protocol. A Session belongs to exactly one worker: it owns one connection,
// issues one synchronous round trip per operation, and maps service handles
// to the local descriptor numbers handed back to the intercepted program.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/machinae/agentfs/internal/wire"
)

// MaxChunk bounds the bytes moved by a single read or write round trip.
// Larger requests are served by the caller issuing repeated round trips.
const MaxChunk = 64 * 1024

// ErrUnknownDescriptor reports an operation on a descriptor this session
// never minted (or already closed). Descriptors are scoped to one session;
// another worker's numbers mean nothing here.
var ErrUnknownDescriptor = errors.New("session: unknown descriptor")

// openFile tracks the service handle and sequential offset behind one local
// descriptor.
type openFile struct {
	handle uint64
	offset uint64
}

// Session is not safe for concurrent use by design intent (one worker, one
// session); the mutex exists so that accidental sharing degrades to
// serialized round trips instead of interleaved frames.
type Session struct {
	endpoint string

	// Dialer establishes the transport. Tests substitute in-memory pipes.
	Dialer func() (net.Conn, error)

	mu     sync.Mutex
	conn   net.Conn
	nextFD int
	files  map[int]*openFile
}

// New returns a session that will connect to the unix socket at endpoint on
// first use.
func New(endpoint string) *Session {
	s := &Session{
		endpoint: endpoint,
		nextFD:   1,
		files:    make(map[int]*openFile),
	}
	s.Dialer = func() (net.Conn, error) {
		return net.Dial("unix", s.endpoint)
	}
	return s
}

// Endpoint returns the configured service address.
func (s *Session) Endpoint() string { return s.endpoint }

// ensureConn establishes the transport once per session. Callers hold s.mu.
func (s *Session) ensureConn() error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.Dialer()
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", wire.ErrTransport, s.endpoint, err)
	}
	s.conn = conn
	return nil
}

// roundTrip sends one encoded request and decodes the single response.
// A transport failure drops the connection; the next operation dials
// afresh (the current caller has already fallen back by then).
func (s *Session) roundTrip(req any) (*wire.Response, error) {
	if err := s.ensureConn(); err != nil {
		return nil, err
	}
	body, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(s.conn, body); err != nil {
		s.dropConn()
		return nil, err
	}
	respBody, err := wire.ReadFrame(s.conn)
	if err != nil {
		s.dropConn()
		return nil, err
	}
	return wire.DecodeResponse(respBody)
}

func (s *Session) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Open opens (or creates) the path on the service and mints a fresh local
// descriptor bound to the returned handle. Descriptors increase strictly
// from 1 for the life of the session.
func (s *Session) Open(path string, read, write, create bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req any
	if create {
		req = wire.NewCreateRequest(path, read, write)
	} else {
		req = wire.NewOpenRequest(path, read, write)
	}
	resp, err := s.roundTrip(req)
	if err != nil {
		return -1, err
	}
	handle, err := resp.HandleValue()
	if err != nil {
		return -1, err
	}

	fd := s.nextFD
	s.nextFD++
	s.files[fd] = &openFile{handle: handle}
	return fd, nil
}

// Close releases the descriptor's service handle. The descriptor is retired
// even if the service reports a failure; a dead handle is not worth keeping.
func (s *Session) Close(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fd]
	if !ok {
		return ErrUnknownDescriptor
	}
	delete(s.files, fd)

	resp, err := s.roundTrip(wire.NewCloseRequest(f.handle))
	if err != nil {
		return err
	}
	return resp.OKResult()
}

// Knows reports whether fd was minted by this session and is still open.
func (s *Session) Knows(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[fd]
	return ok
}

// Read fills p from the descriptor's current offset, advancing it by the
// bytes returned. At most MaxChunk bytes move per call.
func (s *Session) Read(fd int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fd]
	if !ok {
		return 0, ErrUnknownDescriptor
	}
	n, err := s.readAt(f, p, f.offset)
	if err != nil {
		return 0, err
	}
	f.offset += uint64(n)
	return n, nil
}

// ReadAt fills p from the given offset without moving the sequential offset.
func (s *Session) ReadAt(fd int, p []byte, offset uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fd]
	if !ok {
		return 0, ErrUnknownDescriptor
	}
	return s.readAt(f, p, offset)
}

func (s *Session) readAt(f *openFile, p []byte, offset uint64) (int, error) {
	n := len(p)
	if n > MaxChunk {
		n = MaxChunk
	}
	resp, err := s.roundTrip(wire.NewReadRequest(f.handle, offset, n))
	if err != nil {
		return 0, err
	}
	data, err := resp.DataBytes()
	if err != nil {
		return 0, err
	}
	if len(data) > n {
		return 0, fmt.Errorf("%w: service returned %d bytes for a %d byte read", wire.ErrProtocol, len(data), n)
	}
	return copy(p, data), nil
}

// Write sends p at the descriptor's current offset, advancing it by the
// bytes accepted. At most MaxChunk bytes move per call.
func (s *Session) Write(fd int, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fd]
	if !ok {
		return 0, ErrUnknownDescriptor
	}
	n, err := s.writeAt(f, p, f.offset)
	if err != nil {
		return 0, err
	}
	f.offset += uint64(n)
	return n, nil
}

// WriteAt sends p at the given offset without moving the sequential offset.
func (s *Session) WriteAt(fd int, p []byte, offset uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fd]
	if !ok {
		return 0, ErrUnknownDescriptor
	}
	return s.writeAt(f, p, offset)
}

func (s *Session) writeAt(f *openFile, p []byte, offset uint64) (int, error) {
	if len(p) > MaxChunk {
		p = p[:MaxChunk]
	}
	resp, err := s.roundTrip(wire.NewWriteRequest(f.handle, offset, p))
	if err != nil {
		return 0, err
	}
	accepted, err := resp.Written()
	if err != nil {
		return 0, err
	}
	if accepted > uint64(len(p)) {
		return 0, fmt.Errorf("%w: service accepted %d bytes of a %d byte write", wire.ErrProtocol, accepted, len(p))
	}
	return int(accepted), nil
}

// GetAttr fetches attributes for a path.
func (s *Session) GetAttr(path string) (wire.Attr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(wire.NewPathRequest(wire.OpGetAttr, path))
	if err != nil {
		return wire.Attr{}, err
	}
	return resp.Attrs()
}

// Mkdir creates a directory on the service.
func (s *Session) Mkdir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(wire.NewPathRequest(wire.OpMkdir, path))
	if err != nil {
		return err
	}
	return resp.OKResult()
}

// Unlink removes a file on the service.
func (s *Session) Unlink(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(wire.NewPathRequest(wire.OpUnlink, path))
	if err != nil {
		return err
	}
	return resp.OKResult()
}

// ReadDir lists a directory on the service.
func (s *Session) ReadDir(path string) ([]wire.DirEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(wire.NewPathRequest(wire.OpReadDir, path))
	if err != nil {
		return nil, err
	}
	return resp.DirEntries()
}

// Disconnect closes the transport. The session can no longer be used; the
// owning worker calls this exactly once on its way out.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
