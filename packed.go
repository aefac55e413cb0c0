package zarr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ReferenceFileSystemVersion is the only reference document version read.
const ReferenceFileSystemVersion = 1

const base64Prefix = "base64:"

// Reference resolves one logical path of a reference filesystem. Exactly one
// of Inline, Doc or URL is meaningful.
type Reference struct {
	// Inline holds literal content.
	Inline []byte
	// Doc holds content written inline as a JSON value.
	Doc *Value
	// URL names the object holding the content. Offset and Size restrict it
	// to a byte range when Ranged is set.
	URL    string
	Offset int64
	Size   int64
	Ranged bool
}

func (r *Reference) UnmarshalJSON(d []byte) error {
	d = bytes.TrimSpace(d)
	if len(d) == 0 {
		return fmt.Errorf("empty reference")
	}
	switch d[0] {
	case '"':
		var s string
		if err := json.Unmarshal(d, &s); err != nil {
			return err
		}
		if strings.HasPrefix(s, base64Prefix) {
			b, err := base64.StdEncoding.DecodeString(s[len(base64Prefix):])
			if err != nil {
				return fmt.Errorf("decoding base64 reference: %w", err)
			}
			r.Inline = b
			return nil
		}
		r.Inline = []byte(s)
		return nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(d, &parts); err != nil {
			return err
		}
		switch len(parts) {
		case 1, 3:
		default:
			return fmt.Errorf("reference must be [url] or [url, offset, size], got %d elements", len(parts))
		}
		if err := json.Unmarshal(parts[0], &r.URL); err != nil {
			return fmt.Errorf("reference url: %w", err)
		}
		if len(parts) == 3 {
			if err := json.Unmarshal(parts[1], &r.Offset); err != nil {
				return fmt.Errorf("reference offset: %w", err)
			}
			if err := json.Unmarshal(parts[2], &r.Size); err != nil {
				return fmt.Errorf("reference size: %w", err)
			}
			if r.Offset < 0 || r.Size < 0 {
				return fmt.Errorf("negative reference range [%d, %d]", r.Offset, r.Size)
			}
			r.Ranged = true
		}
		return nil
	default:
		v, err := ParseValue(d)
		if err != nil {
			return err
		}
		r.Doc = &v
		return nil
	}
}

// ReferenceFileSystem maps every logical path of a packed store to inline
// content or a byte range of a remote object.
type ReferenceFileSystem struct {
	Version   int
	Refs      map[string]Reference
	Templates map[string]string
}

// ParseReferenceFileSystem reads and validates a reference document.
func ParseReferenceFileSystem(d []byte) (*ReferenceFileSystem, error) {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(d, &raw); err != nil {
		return nil, &MalformedMetadataError{Path: "reference filesystem", Err: err}
	}

	rawRefs, ok := raw["refs"]
	if !ok {
		return nil, malformed("reference filesystem", "missing refs")
	}
	rawVersion, ok := raw["version"]
	if !ok {
		return nil, malformed("reference filesystem", "missing version")
	}

	rfs := &ReferenceFileSystem{}
	if err := json.Unmarshal(rawVersion, &rfs.Version); err != nil {
		return nil, &MalformedMetadataError{Path: "reference filesystem", Err: fmt.Errorf("version: %w", err)}
	}
	if rfs.Version != ReferenceFileSystemVersion {
		return nil, malformed("reference filesystem", "unsupported version %d", rfs.Version)
	}
	if err := json.Unmarshal(rawRefs, &rfs.Refs); err != nil {
		return nil, &MalformedMetadataError{Path: "reference filesystem", Err: fmt.Errorf("refs: %w", err)}
	}
	if rfs.Refs == nil {
		return nil, malformed("reference filesystem", "refs must be an object")
	}
	if t, ok := raw["templates"]; ok {
		if err := json.Unmarshal(t, &rfs.Templates); err != nil {
			return nil, &MalformedMetadataError{Path: "reference filesystem", Err: fmt.Errorf("templates: %w", err)}
		}
	}
	return rfs, nil
}

// expand substitutes {{name}} template references in u.
func (rfs *ReferenceFileSystem) expand(u string) string {
	if len(rfs.Templates) == 0 || !strings.Contains(u, "{{") {
		return u
	}
	for name, val := range rfs.Templates {
		u = strings.ReplaceAll(u, "{{"+name+"}}", val)
	}
	return u
}

// PackedStore serves a store described by a single reference filesystem
// document, optionally wrapped in a tar blob together with its payload.
type PackedStore struct {
	url     string
	fetcher Fetcher
	rfs     *ReferenceFileSystem
	tar     *TarIndex
	logger  log.Logger
}

var (
	_ Store          = (*PackedStore)(nil)
	_ metadataSource = (*PackedStore)(nil)
)

// OpenPackedStore fetches the head of the blob at url to detect tar wrapping,
// then loads and validates the reference document.
func OpenPackedStore(ctx context.Context, url string, opts ...Option) (*PackedStore, error) {
	o := resolveOptions(opts)
	s := &PackedStore{
		url:     url,
		fetcher: o.fetcher,
		logger:  log.With(o.logger, "store", url),
	}

	head, err := s.fetcher.Fetch(ctx, url, &ByteRange{Start: 0, End: tarHeadSize})
	if err != nil {
		return nil, err
	}
	isTar, err := IsTarHeader(head)
	if err != nil {
		return nil, err
	}

	var doc []byte
	if isTar {
		ptr, err := parseTarStub(head)
		if err != nil {
			return nil, err
		}
		index, err := s.fetcher.Fetch(ctx, url, &ptr)
		if err != nil {
			return nil, fmt.Errorf("reading tar index: %w", err)
		}
		if s.tar, err = ParseTarIndex(index); err != nil {
			return nil, err
		}
		entry, err := s.tar.Lookup(tarReferenceMember)
		if err != nil {
			return nil, &MalformedMetadataError{Path: url, Err: err}
		}
		rng := entry.Range()
		if doc, err = s.fetcher.Fetch(ctx, url, &rng); err != nil {
			return nil, fmt.Errorf("reading %s: %w", tarReferenceMember, err)
		}
	} else if len(head) < tarHeadSize {
		// the head already holds the whole blob
		doc = head
	} else if doc, err = s.fetcher.Fetch(ctx, url, nil); err != nil {
		return nil, err
	}

	if s.rfs, err = ParseReferenceFileSystem(doc); err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "loaded reference filesystem", "refs", len(s.rfs.Refs), "tar", isTar)
	return s, nil
}

func (s *PackedStore) Type() string { return PackedStoreType }

// TarWrapped reports whether the blob is a tar archive.
func (s *PackedStore) TarWrapped() bool { return s.tar != nil }

func (s *PackedStore) Keys() []string {
	keys := make([]string, 0, len(s.rfs.Refs))
	for k := range s.rfs.Refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *PackedStore) Metadata(key string) (Value, bool, bool) {
	ref, ok := s.rfs.Refs[key]
	if !ok {
		return Value{}, false, true
	}
	if ref.Doc != nil {
		return *ref.Doc, true, true
	}
	return Value{}, false, false
}

func (s *PackedStore) Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	key = strings.TrimPrefix(key, "/")
	ref, ok := s.rfs.Refs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	switch {
	case ref.Doc != nil:
		data, err := json.Marshal(ref.Doc)
		if err != nil {
			return nil, err
		}
		return sliceRange(data, rng), nil
	case ref.URL == "":
		return sliceRange(append([]byte(nil), ref.Inline...), rng), nil
	}

	target, member, err := s.resolve(ref.URL)
	if err != nil {
		return nil, err
	}
	switch {
	case member != nil && ref.Ranged:
		return s.fetcher.Fetch(ctx, target, refRange(member.Offset+ref.Offset, ref.Size, rng))
	case member != nil:
		return s.fetcher.Fetch(ctx, target, refRange(member.Offset, member.Size, rng))
	case ref.Ranged:
		return s.fetcher.Fetch(ctx, target, refRange(ref.Offset, ref.Size, rng))
	default:
		return s.fetcher.Fetch(ctx, target, rng)
	}
}

// resolve maps a reference URL to the object to fetch. "./" names a tar
// member when the blob is tar-wrapped, in which case the member entry is
// returned too. Other relative URLs resolve against the blob URL.
func (s *PackedStore) resolve(ref string) (string, *TarEntry, error) {
	ref = s.rfs.expand(ref)
	if strings.HasPrefix(ref, "./") && s.tar != nil {
		entry, err := s.tar.Lookup(ref)
		if err != nil {
			return "", nil, err
		}
		return s.url, &entry, nil
	}
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "/") {
		return ref, nil, nil
	}
	return resolveRelative(s.url, ref), nil, nil
}

func resolveRelative(base, ref string) string {
	if b, err := url.Parse(base); err == nil && b.Scheme != "" {
		if r, err := url.Parse(ref); err == nil {
			return b.ResolveReference(r).String()
		}
	}
	return path.Join(path.Dir(base), ref)
}
