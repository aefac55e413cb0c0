package zarr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an absent key, group, dataset or chunk. It is a
	// legitimate "no such substructure" result, not a failure.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported marks store features this client deliberately refuses,
	// such as external array links.
	ErrUnsupported = errors.New("unsupported feature")
)

// MalformedMetadataError reports a metadata document that failed to parse or
// lacks a required field.
type MalformedMetadataError struct {
	Path string
	Err  error
}

func (e *MalformedMetadataError) Error() string {
	return fmt.Sprintf("malformed metadata %q: %v", e.Path, e.Err)
}

func (e *MalformedMetadataError) Unwrap() error { return e.Err }

func malformed(path string, format string, args ...interface{}) error {
	return &MalformedMetadataError{Path: path, Err: fmt.Errorf(format, args...)}
}

// UnsupportedSliceError reports a slice request rejected before any fetch.
type UnsupportedSliceError struct {
	Path   string
	Reason string
}

func (e *UnsupportedSliceError) Error() string {
	return fmt.Sprintf("unsupported slice of %q: %s", e.Path, e.Reason)
}

// DecodeError reports a chunk whose codec chain or element conversion
// failed. It aborts the whole slice request.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding chunk %q: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportError reports a non-404 failure response from the remote store.
type TransportError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *TransportError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("fetching %s: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("fetching %s: status %d", e.URL, e.StatusCode)
}
