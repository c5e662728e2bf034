// Package wire implements the framed JSON protocol spoken between the
// redirection layer and the filesystem service: one request message per
// operation, answered by exactly one response, each carried in a
// length-prefixed frame.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version stamped on every request.
const Version = "1"

// Operation names carried in the "op" field of every request.
const (
	OpCreate  = "fs.create"
	OpOpen    = "fs.open"
	OpClose   = "fs.close"
	OpRead    = "fs.read"
	OpWrite   = "fs.write"
	OpGetAttr = "fs.getattr"
	OpMkdir   = "fs.mkdir"
	OpUnlink  = "fs.unlink"
	OpReadDir = "fs.readdir"
)

// ErrProtocol marks a response that arrived intact but does not match the
// success or failure shape expected for the requested operation. Callers
// treat it like a broken transport and fall back to the original call.
var ErrProtocol = errors.New("wire: malformed message")

// RemoteError is an operation failure reported by the service. Code, when
// non-zero, is an OS errno describing the failure.
type RemoteError struct {
	Msg  string
	Code int32
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote: %s (errno %d)", e.Msg, e.Code)
	}
	return "remote: " + e.Msg
}

// CreateRequest creates a file and opens it (fs.create).
type CreateRequest struct {
	Version string `json:"version"`
	Op      string `json:"op"`
	Path    string `json:"path"`
	Read    bool   `json:"read"`
	Write   bool   `json:"write"`
}

// OpenRequest opens an existing file (fs.open). Create is always false;
// creation goes through fs.create.
type OpenRequest struct {
	Version string `json:"version"`
	Op      string `json:"op"`
	Path    string `json:"path"`
	Read    bool   `json:"read"`
	Write   bool   `json:"write"`
	Create  bool   `json:"create"`
}

// CloseRequest releases a service handle (fs.close).
type CloseRequest struct {
	Version string `json:"version"`
	Op      string `json:"op"`
	Handle  uint64 `json:"handle"`
}

// ReadRequest reads up to Len bytes at Offset from a handle (fs.read).
type ReadRequest struct {
	Version string `json:"version"`
	Op      string `json:"op"`
	Handle  uint64 `json:"handle"`
	Offset  uint64 `json:"offset"`
	Len     int    `json:"len"`
}

// WriteRequest writes Data at Offset through a handle (fs.write).
type WriteRequest struct {
	Version string `json:"version"`
	Op      string `json:"op"`
	Handle  uint64 `json:"handle"`
	Offset  uint64 `json:"offset"`
	Data    []byte `json:"data"`
}

// PathRequest covers the operations addressed by path alone:
// fs.getattr, fs.mkdir, fs.unlink and fs.readdir.
type PathRequest struct {
	Version string `json:"version"`
	Op      string `json:"op"`
	Path    string `json:"path"`
}

func NewCreateRequest(path string, read, write bool) CreateRequest {
	return CreateRequest{Version: Version, Op: OpCreate, Path: path, Read: read, Write: write}
}

func NewOpenRequest(path string, read, write bool) OpenRequest {
	return OpenRequest{Version: Version, Op: OpOpen, Path: path, Read: read, Write: write, Create: false}
}

func NewCloseRequest(handle uint64) CloseRequest {
	return CloseRequest{Version: Version, Op: OpClose, Handle: handle}
}

func NewReadRequest(handle, offset uint64, n int) ReadRequest {
	return ReadRequest{Version: Version, Op: OpRead, Handle: handle, Offset: offset, Len: n}
}

func NewWriteRequest(handle, offset uint64, data []byte) WriteRequest {
	return WriteRequest{Version: Version, Op: OpWrite, Handle: handle, Offset: offset, Data: data}
}

func NewPathRequest(op, path string) PathRequest {
	return PathRequest{Version: Version, Op: op, Path: path}
}

// Envelope is the portion of a request the service inspects before choosing
// the operation-specific shape to decode into.
type Envelope struct {
	Version string `json:"version"`
	Op      string `json:"op"`
}

// EncodeRequest marshals a request body for framing.
func EncodeRequest(req any) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

// DecodeEnvelope extracts the version and operation name from a raw request
// body. An unknown version or missing op is a protocol error.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported version %q", ErrProtocol, env.Version)
	}
	if env.Op == "" {
		return Envelope{}, fmt.Errorf("%w: missing op", ErrProtocol)
	}
	return env, nil
}

// DecodeRequest unmarshals a raw request body into the given
// operation-specific shape.
func DecodeRequest(body []byte, into any) error {
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
