package wire

import (
	"encoding/json"
	"fmt"
)

// Attr is the attribute set reported for a path by fs.getattr.
type Attr struct {
	Len       uint64 `json:"len"`
	IsDir     bool   `json:"is_dir"`
	IsSymlink bool   `json:"is_symlink"`
}

// DirEntry is one child reported by fs.readdir.
type DirEntry struct {
	Name      string `json:"name"`
	IsDir     bool   `json:"is_dir"`
	IsSymlink bool   `json:"is_symlink"`
	Len       uint64 `json:"len"`
}

// Response is the single response shape. Exactly one success field group, or
// the error fields, is populated per message; pointers distinguish an absent
// field from a zero value so a missing success payload is never mistaken for
// a valid result.
type Response struct {
	Handle    *uint64    `json:"handle,omitempty"`
	Data      []byte     `json:"data,omitempty"`
	Len       *uint64    `json:"len,omitempty"`
	IsDir     *bool      `json:"is_dir,omitempty"`
	IsSymlink *bool      `json:"is_symlink,omitempty"`
	Entries   []DirEntry `json:"entries,omitempty"`
	OK        bool       `json:"ok,omitempty"`
	Error     string     `json:"error,omitempty"`
	Code      int32      `json:"code,omitempty"`
}

func HandleResponse(handle uint64) Response { return Response{Handle: &handle} }

func DataResponse(data []byte) Response {
	if data == nil {
		// An empty read still needs a present data field on the wire.
		data = []byte{}
	}
	return Response{Data: data, OK: true}
}

func WrittenResponse(n uint64) Response { return Response{Len: &n} }

func AttrResponse(a Attr) Response {
	return Response{Len: &a.Len, IsDir: &a.IsDir, IsSymlink: &a.IsSymlink}
}

func EntriesResponse(entries []DirEntry) Response {
	if entries == nil {
		entries = []DirEntry{}
	}
	return Response{Entries: entries, OK: true}
}

func OKResponse() Response { return Response{OK: true} }

func ErrorResponse(msg string, code int32) Response {
	return Response{Error: msg, Code: code}
}

// EncodeResponse marshals a response body for framing.
func EncodeResponse(resp Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return b, nil
}

// DecodeResponse unmarshals a raw response body. The result still needs an
// operation-specific accessor to be interpreted; only the error shape is
// validated here.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &resp, nil
}

// remoteErr returns the failure carried by the response, if any.
func (r *Response) remoteErr() error {
	if r.Error != "" {
		return &RemoteError{Msg: r.Error, Code: r.Code}
	}
	return nil
}

// HandleValue extracts the handle issued by fs.open or fs.create.
func (r *Response) HandleValue() (uint64, error) {
	if err := r.remoteErr(); err != nil {
		return 0, err
	}
	if r.Handle == nil {
		return 0, fmt.Errorf("%w: response carries no handle", ErrProtocol)
	}
	return *r.Handle, nil
}

// DataBytes extracts the payload returned by fs.read.
func (r *Response) DataBytes() ([]byte, error) {
	if err := r.remoteErr(); err != nil {
		return nil, err
	}
	if r.Data == nil && !r.OK {
		return nil, fmt.Errorf("%w: response carries no data", ErrProtocol)
	}
	return r.Data, nil
}

// Written extracts the byte count acknowledged by fs.write.
func (r *Response) Written() (uint64, error) {
	if err := r.remoteErr(); err != nil {
		return 0, err
	}
	if r.Len == nil {
		return 0, fmt.Errorf("%w: response carries no length", ErrProtocol)
	}
	return *r.Len, nil
}

// Attrs extracts the attribute set returned by fs.getattr.
func (r *Response) Attrs() (Attr, error) {
	if err := r.remoteErr(); err != nil {
		return Attr{}, err
	}
	if r.Len == nil || r.IsDir == nil || r.IsSymlink == nil {
		return Attr{}, fmt.Errorf("%w: response carries no attributes", ErrProtocol)
	}
	return Attr{Len: *r.Len, IsDir: *r.IsDir, IsSymlink: *r.IsSymlink}, nil
}

// DirEntries extracts the listing returned by fs.readdir.
func (r *Response) DirEntries() ([]DirEntry, error) {
	if err := r.remoteErr(); err != nil {
		return nil, err
	}
	if r.Entries == nil && !r.OK {
		return nil, fmt.Errorf("%w: response carries no entries", ErrProtocol)
	}
	return r.Entries, nil
}

// OKResult interprets the response for operations that return no payload
// (fs.close, fs.mkdir, fs.unlink).
func (r *Response) OKResult() error {
	if err := r.remoteErr(); err != nil {
		return err
	}
	if !r.OK {
		return fmt.Errorf("%w: response carries no result", ErrProtocol)
	}
	return nil
}
