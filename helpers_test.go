package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// testServer serves a fixed set of objects and counts requests per key.
type testServer struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	status  map[string]int
	hits    map[string]int
	ranges  []string
	queries []string
}

func newTestServer(t *testing.T, files map[string][]byte) *testServer {
	t.Helper()
	if files == nil {
		files = map[string][]byte{}
	}
	s := &testServer{
		files:  files,
		status: map[string]int{},
		hits:   map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) serve(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	s.mu.Lock()
	s.hits[key]++
	s.queries = append(s.queries, r.URL.RawQuery)
	if rng := r.Header.Get("Range"); rng != "" {
		s.ranges = append(s.ranges, rng)
	}
	code, forced := s.status[key]
	data, ok := s.files[key]
	s.mu.Unlock()

	switch {
	case forced:
		http.Error(w, http.StatusText(code), code)
	case !ok:
		http.NotFound(w, r)
	default:
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}
}

func (s *testServer) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = data
}

func (s *testServer) setStatus(key string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.status, key)
		return
	}
	s.status[key] = code
}

func (s *testServer) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *testServer) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.hits {
		n += c
	}
	return n
}

func (s *testServer) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *testServer) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func le32(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func le64(vals ...int64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[8*i:], uint64(v))
	}
	return out
}

func le64f(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// fixtureMeta holds the metadata documents of the test store:
//
//	/            group with a title
//	/grp         group
//	/grp/ramp    <i4 [100] chunked by 10, zstd, element i holds i
//	/grid        <f8 [4,6] chunked [2,4], chunk 1.1 never written, NaN fill
//	/scalar      <i8 [1] marked _SCALAR, holds 42
//	/linked      <f4 [3] with an external array link
var fixtureMeta = map[string]string{
	".zgroup":          `{"zarr_format": 2}`,
	".zattrs":          `{"title": "fixture"}`,
	"grp/.zgroup":      `{"zarr_format": 2}`,
	"grp/.zattrs":      `{"kind": "group"}`,
	"grp/ramp/.zarray": `{"zarr_format": 2, "shape": [100], "chunks": [10], "dtype": "<i4", "compressor": {"id": "zstd", "level": 1}, "fill_value": 0, "order": "C", "filters": null}`,
	"grp/ramp/.zattrs": `{"units": "counts"}`,
	"grid/.zarray":     `{"zarr_format": 2, "shape": [4, 6], "chunks": [2, 4], "dtype": "<f8", "compressor": null, "fill_value": "NaN", "order": "C", "filters": null}`,
	"scalar/.zarray":   `{"zarr_format": 2, "shape": [1], "chunks": [1], "dtype": "<i8", "compressor": null, "fill_value": 0, "order": "C", "filters": null}`,
	"scalar/.zattrs":   `{"_SCALAR": true}`,
	"linked/.zarray":   `{"zarr_format": 2, "shape": [3], "chunks": [3], "dtype": "<f4", "compressor": null, "fill_value": 0, "order": "C", "filters": null}`,
	"linked/.zattrs":   `{"_EXTERNAL_ARRAY_LINK": {"url": "https://example.com/other.lindi.json", "name": "data"}}`,
}

func gridValue(r, c int) float64 { return float64(r*10 + c) }

// fixtureChunks returns the encoded chunk objects of the test store.
func fixtureChunks(t *testing.T) map[string][]byte {
	t.Helper()
	chunks := map[string][]byte{}
	for c := 0; c < 10; c++ {
		vals := make([]int32, 10)
		for i := range vals {
			vals[i] = int32(c*10 + i)
		}
		chunks[fmt.Sprintf("grp/ramp/%d", c)] = zstdBytes(t, le32(vals...))
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if i == 1 && j == 1 {
				continue
			}
			vals := make([]float64, 0, 8)
			for r := 0; r < 2; r++ {
				for c := 0; c < 4; c++ {
					gr, gc := i*2+r, j*4+c
					if gc >= 6 {
						vals = append(vals, -1)
						continue
					}
					vals = append(vals, gridValue(gr, gc))
				}
			}
			chunks[fmt.Sprintf("grid/%d.%d", i, j)] = le64f(vals...)
		}
	}
	chunks["scalar/0"] = le64(42)
	return chunks
}

func consolidatedFixture(t *testing.T, extra map[string]interface{}) []byte {
	t.Helper()
	metadata := map[string]json.RawMessage{}
	for k, v := range fixtureMeta {
		metadata[k] = json.RawMessage(v)
	}
	doc := map[string]interface{}{
		"zarr_consolidated_format": 1,
		"metadata":                 metadata,
	}
	for k, v := range extra {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

// directoryFixture returns every object of the test store keyed by store
// key, with a .zmetadata document when consolidated is set.
func directoryFixture(t *testing.T, consolidated bool) map[string][]byte {
	t.Helper()
	files := fixtureChunks(t)
	for k, v := range fixtureMeta {
		files[k] = []byte(v)
	}
	if consolidated {
		files[".zmetadata"] = consolidatedFixture(t, nil)
	}
	return files
}

func rampValues(start, end int) []int32 {
	out := make([]int32, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, int32(i))
	}
	return out
}
