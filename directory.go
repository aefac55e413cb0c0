package zarr

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DirectoryStore addresses every key as its own object under a base URL. When
// the store publishes consolidated metadata, metadata reads are answered from
// it and chunk keys listed in its refs become range reads into consolidated
// data files.
type DirectoryStore struct {
	url       string
	fetcher   Fetcher
	meta      *ConsolidatedMetadata
	cacheBust string
	logger    log.Logger
}

var (
	_ Store          = (*DirectoryStore)(nil)
	_ metadataSource = (*DirectoryStore)(nil)
)

// OpenDirectoryStore loads <url>/.zmetadata. A store without one is still
// usable; its metadata is then discovered key by key.
func OpenDirectoryStore(ctx context.Context, url string, opts ...Option) (*DirectoryStore, error) {
	o := resolveOptions(opts)
	s := &DirectoryStore{
		url:     strings.TrimSuffix(url, "/"),
		fetcher: o.fetcher,
		logger:  log.With(o.logger, "store", url),
	}
	if o.cacheBust {
		s.cacheBust = strconv.FormatInt(o.now().UnixNano(), 10)
	}

	data, err := s.fetcher.Fetch(ctx, s.objectURL(string(MTMetadata)), nil)
	switch {
	case errors.Is(err, ErrNotFound):
		level.Info(s.logger).Log("msg", "no consolidated metadata, discovering keys on demand")
		return s, nil
	case err != nil:
		return nil, err
	}

	s.meta, err = ParseConsolidatedMetadata(data)
	if err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "loaded consolidated metadata", "documents", len(s.meta.Metadata), "refs", len(s.meta.Refs))
	return s, nil
}

func (s *DirectoryStore) Type() string { return DirectoryStoreType }

// Consolidated reports whether the store published a .zmetadata document.
func (s *DirectoryStore) Consolidated() bool { return s.meta != nil }

func (s *DirectoryStore) objectURL(key string) string {
	u := joinURL(s.url, key)
	if s.cacheBust != "" {
		u = withQuery(u, "cb", s.cacheBust)
	}
	return u
}

func (s *DirectoryStore) Keys() []string {
	if s.meta == nil {
		return nil
	}
	keys := make([]string, 0, len(s.meta.Metadata))
	for k := range s.meta.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *DirectoryStore) Metadata(key string) (Value, bool, bool) {
	if s.meta == nil {
		return Value{}, false, false
	}
	if doc, ok := s.meta.Metadata[key]; ok {
		return doc, true, true
	}
	// consolidated metadata lists every metadata document in the store
	if strings.HasPrefix(path.Base(key), ".") {
		return Value{}, false, true
	}
	return Value{}, false, false
}

func (s *DirectoryStore) Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	key = strings.TrimPrefix(key, "/")
	if s.meta != nil {
		if ref, ok := s.meta.Refs[key]; ok {
			return s.fetcher.Fetch(ctx, s.objectURL(ref.File), refRange(ref.Offset, ref.Size, rng))
		}
	}
	return s.fetcher.Fetch(ctx, s.objectURL(key), rng)
}

// refRange narrows the member range [offset, offset+size) by an optional
// range relative to the member.
func refRange(offset, size int64, rng *ByteRange) *ByteRange {
	r := &ByteRange{Start: offset, End: offset + size}
	if rng == nil {
		return r
	}
	r.Start = min(offset+rng.Start, r.End)
	r.End = min(offset+rng.End, r.End)
	return r
}
