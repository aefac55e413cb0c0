package zarr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	tarBlockSize = 512
	// tarHeadSize covers the member header plus the stub record that points at
	// the member index.
	tarHeadSize = 3 * tarBlockSize
	// tarReferenceMember holds the reference filesystem document.
	tarReferenceMember = "lindi.json"
)

var ustarMagic = []byte("ustar")

// IsTarHeader reports whether head starts with a ustar member header. Only
// the ustar profile is recognised: a header-sized buffer carrying any NUL
// byte without the ustar marker is corrupt, not plain JSON.
func IsTarHeader(head []byte) (bool, error) {
	if len(head) < tarBlockSize {
		return false, nil
	}
	head = head[:tarBlockSize]
	if bytes.Equal(head[257:262], ustarMagic) && head[262] == 0 {
		return true, nil
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return false, malformed("tar header", "0 byte found in header, but not ustar tar format")
	}
	return false, nil
}

// TarEntry locates one member's content within a tar blob.
type TarEntry struct {
	Name   string `json:"n"`
	Offset int64  `json:"d"`
	Size   int64  `json:"s"`
}

func (e TarEntry) Range() ByteRange {
	return ByteRange{Start: e.Offset, End: e.Offset + e.Size}
}

type tarIndexPointer struct {
	Index *TarEntry `json:"index"`
}

// parseTarStub reads the index pointer stored in the record after the first
// member header.
func parseTarStub(head []byte) (ByteRange, error) {
	if len(head) < tarHeadSize {
		return ByteRange{}, malformed("tar header", "truncated to %d bytes", len(head))
	}
	stub := bytes.TrimRight(head[tarBlockSize:tarHeadSize], "\x00 \n\r\t")
	p := tarIndexPointer{}
	if err := json.Unmarshal(stub, &p); err != nil {
		return ByteRange{}, &MalformedMetadataError{Path: "tar index pointer", Err: err}
	}
	if p.Index == nil || p.Index.Size <= 0 || p.Index.Offset < 0 {
		return ByteRange{}, malformed("tar index pointer", "missing or empty index entry")
	}
	return p.Index.Range(), nil
}

// TarIndex maps member names of a tar blob to byte ranges.
type TarIndex struct {
	entries map[string]TarEntry
}

// ParseTarIndex parses an index document of the form
// {"files": [{"n": name, "d": offset, "s": size}, ...]}.
func ParseTarIndex(data []byte) (*TarIndex, error) {
	doc := struct {
		Files []TarEntry `json:"files"`
	}{}
	if err := json.Unmarshal(bytes.TrimRight(data, "\x00"), &doc); err != nil {
		return nil, &MalformedMetadataError{Path: "tar index", Err: err}
	}
	if doc.Files == nil {
		return nil, malformed("tar index", "missing files list")
	}
	ix := &TarIndex{entries: make(map[string]TarEntry, len(doc.Files))}
	for _, f := range doc.Files {
		if f.Offset < 0 || f.Size < 0 {
			return nil, malformed("tar index", "invalid entry for %q", f.Name)
		}
		ix.entries[f.Name] = f
	}
	return ix, nil
}

// Lookup returns the entry for a member name. A leading "./" is ignored.
func (ix *TarIndex) Lookup(name string) (TarEntry, error) {
	if len(name) > 2 && name[:2] == "./" {
		name = name[2:]
	}
	e, ok := ix.entries[name]
	if !ok {
		return e, fmt.Errorf("%w: tar member %q", ErrNotFound, name)
	}
	return e, nil
}

// Names lists member names in sorted order.
func (ix *TarIndex) Names() []string {
	names := make([]string, 0, len(ix.entries))
	for n := range ix.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
