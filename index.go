package zarr

import (
	"strings"
	"sync"
)

// Index records which group and array nodes exist in a store and which
// nodes are children of which. It is built from the flat list of metadata
// keys and may grow as further keys are discovered.
type Index struct {
	mu       sync.RWMutex
	children map[string][]string
	kinds    map[string]map[MetaType]struct{}
}

// NewIndex scans keys for .zattrs, .zgroup and .zarray documents. Root level
// documents describe the root node and are not recorded as children.
func NewIndex(keys []string) *Index {
	ix := &Index{
		children: map[string][]string{},
		kinds:    map[string]map[MetaType]struct{}{},
	}
	for _, k := range keys {
		ix.add(k)
	}
	return ix
}

// Add records a metadata key. It reports whether the key was new to the
// index.
func (ix *Index) Add(key string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.add(key)
}

func (ix *Index) add(key string) bool {
	key = strings.TrimPrefix(key, "/")
	parts := strings.Split(key, "/")
	if len(parts) <= 1 {
		return false
	}
	mt := MetaType(parts[len(parts)-1])
	if _, ok := metaTypes[mt]; !ok {
		return false
	}
	node := strings.Join(parts[:len(parts)-1], "/")
	parent := strings.Join(parts[:len(parts)-2], "/")

	kinds, ok := ix.kinds[node]
	if !ok {
		kinds = map[MetaType]struct{}{}
		ix.kinds[node] = kinds
		ix.children[parent] = append(ix.children[parent], node)
	}
	if _, ok := kinds[mt]; ok {
		return false
	}
	kinds[mt] = struct{}{}
	return true
}

// Children returns the paths of the nodes directly below parent, in the order
// they were first seen. The root is "".
func (ix *Index) Children(parent string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.children[strings.Trim(parent, "/")]...)
}

// Has reports whether a metadata document of type mt was seen for node.
func (ix *Index) Has(node string, mt MetaType) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.kinds[strings.Trim(node, "/")][mt]
	return ok
}

// Len returns the number of indexed nodes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.kinds)
}
