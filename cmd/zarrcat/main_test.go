package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	zarr "github.com/qri-io/remote-zarr"
)

var storeMeta = map[string]string{
	".zgroup":     `{"zarr_format": 2}`,
	".zattrs":     `{"title": "cli"}`,
	"arr/.zarray": `{"zarr_format": 2, "shape": [6], "chunks": [3], "dtype": "<i4", "compressor": null, "fill_value": 0, "order": "C", "filters": null}`,
	"arr/.zattrs": `{"units": "m"}`,
	"one/.zarray": `{"zarr_format": 2, "shape": [1], "chunks": [1], "dtype": "<f8", "compressor": null, "fill_value": 0, "order": "C", "filters": null}`,
	"one/.zattrs": `{"_SCALAR": true}`,
}

func int32s(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

// writeStore lays out a consolidated directory store on disk and returns its
// absolute path.
func writeStore(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store.zarr")
	files := map[string][]byte{
		"arr/0": int32s(0, 1, 2),
		"arr/1": int32s(3, 4, 5),
		"one/0": make([]byte, 8),
	}
	binary.LittleEndian.PutUint64(files["one/0"], 0x4004000000000000) // 2.5

	metadata := map[string]json.RawMessage{}
	for k, v := range storeMeta {
		files[k] = []byte(v)
		metadata[k] = json.RawMessage(v)
	}
	zmeta, err := json.Marshal(map[string]interface{}{"zarr_consolidated_format": 1, "metadata": metadata})
	require.NoError(t, err)
	files[".zmetadata"] = zmeta

	for k, v := range files {
		p := filepath.Join(dir, filepath.FromSlash(k))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, v, 0o644))
	}
	return dir
}

func runJSON(t *testing.T, args ...string) map[string]interface{} {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, run(args, buf))
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), buf.String())
	return out
}

func TestRunGroup(t *testing.T) {
	dir := writeStore(t)
	out := runJSON(t, "--log-level", "error", dir)
	require.Equal(t, "/", out["path"])
	require.Equal(t, map[string]interface{}{"title": "cli"}, out["attrs"])
	require.Equal(t, []interface{}{}, out["subgroups"])

	datasets := out["datasets"].([]interface{})
	require.Len(t, datasets, 2)
	arr := datasets[0].(map[string]interface{})
	require.Equal(t, "arr", arr["name"])
	require.Equal(t, []interface{}{float64(6)}, arr["shape"])
	require.Equal(t, "<i4", arr["dtype"])
}

func TestRunDataset(t *testing.T) {
	dir := writeStore(t)
	out := runJSON(t, dir, "/arr")
	require.Equal(t, "/arr", out["path"])
	require.Equal(t, map[string]interface{}{"units": "m"}, out["attrs"])
}

func TestRunData(t *testing.T) {
	dir := writeStore(t)

	out := runJSON(t, "--slice", "1:5", dir, "arr")
	require.Equal(t, []interface{}{float64(1), float64(2), float64(3), float64(4)}, out["values"])
	require.Equal(t, []interface{}{float64(4)}, out["shape"])

	out = runJSON(t, "-d", dir, "one")
	require.Equal(t, 2.5, out["value"])
	require.NotContains(t, out, "values")

	buf := &bytes.Buffer{}
	require.NoError(t, run([]string{"-f", "yaml", "-d", dir, "arr"}, buf))
	fromYAML := map[string]interface{}{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	require.Equal(t, []interface{}{0, 1, 2, 3, 4, 5}, fromYAML["values"])

	buf.Reset()
	require.NoError(t, run([]string{"-f", "cbor", "-s", "0:2", dir, "arr"}, buf))
	fromCBOR := map[string]interface{}{}
	require.NoError(t, cbor.Unmarshal(buf.Bytes(), &fromCBOR))
	require.Equal(t, []interface{}{float64(0), float64(1)}, fromCBOR["values"])
}

func TestRunConfig(t *testing.T) {
	dir := writeStore(t)
	cfg := filepath.Join(t.TempDir(), "zarrcat.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("log_level: error\nhttp:\n  timeout: 2s\n"), 0o600))
	out := runJSON(t, "--config", cfg, dir, "arr")
	require.Equal(t, "arr", out["name"])

	require.NoError(t, os.WriteFile(cfg, []byte("log_level: chatty\n"), 0o600))
	require.Error(t, run([]string{"--config", cfg, dir}, &bytes.Buffer{}))
}

func TestRunErrors(t *testing.T) {
	dir := writeStore(t)
	cases := [][]string{
		{},
		{dir, "arr", "extra"},
		{"--format", "xml", dir},
		{"--slice", "1-2", dir, "arr"},
		{"--slice", "0:1,0:1,0:1,0:1", dir, "arr"},
		{dir, "missing"},
		{"--log-level", "loud", dir},
	}
	for _, args := range cases {
		require.Error(t, run(args, &bytes.Buffer{}), "%v", args)
	}
	require.NoError(t, run([]string{"--help"}, &bytes.Buffer{}))
}

func TestParseSlice(t *testing.T) {
	bounds, err := parseSlice("0:10, 2.5:7")
	require.NoError(t, err)
	require.Equal(t, []zarr.Bound{{Start: 0, End: 10}, {Start: 2.5, End: 7}}, bounds)

	bounds, err = parseSlice("")
	require.NoError(t, err)
	require.Nil(t, bounds)

	for _, bad := range []string{"1", "a:2", "1:b"} {
		_, err := parseSlice(bad)
		require.Error(t, err, bad)
	}
}
