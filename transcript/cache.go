package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/coder/hnsw"
)

type cacheFile struct {
	Version string       `json:"version"`
	Entries []cacheEntry `json:"entries"`
}

type cacheEntry struct {
	Key       string    `json:"key"`
	Entry     Entry     `json:"entry"`
	Embedding []float32 `json:"embedding"`
}

// SaveCache writes the index to path, creating its directory if needed.
func (idx *Index) SaveCache(path string) error {
	idx.mu.RLock()
	entries := make([]cacheEntry, 0, len(idx.entries))
	for key, e := range idx.entries {
		vec, ok := idx.graph.Lookup(key)
		if !ok {
			continue
		}
		entries = append(entries, cacheEntry{Key: key, Entry: e, Embedding: vec})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(cacheFile{Version: embedVersion, Entries: entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadCache merges a previously saved index into idx. A cache written with
// a different embedding scheme is silently skipped.
func (idx *Index) LoadCache(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}
	if cf.Version != embedVersion {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	nodes := make([]hnsw.Node[string], 0, len(cf.Entries))
	for _, e := range cf.Entries {
		if len(e.Embedding) != dims {
			continue
		}
		if _, exists := idx.graph.Lookup(e.Key); !exists {
			nodes = append(nodes, hnsw.MakeNode(e.Key, e.Embedding))
		}
		idx.entries[e.Key] = e.Entry
	}
	if len(nodes) > 0 {
		idx.graph.Add(nodes...)
	}
	return nil
}
