// Package transcript keeps a searchable memory of evaluated code. Past
// inputs are embedded as hashed trigram vectors in an HNSW graph so the REPL
// can recall earlier snippets resembling what is being typed.
package transcript

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/Paranoid-AF/evalvana"
)

// Entry is one remembered input.
type Entry struct {
	PluginID string    `json:"plugin"`
	Code     string    `json:"code"`
	Result   string    `json:"result"`
	Seen     time.Time `json:"seen"`
}

// Index is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[string]
	entries map[string]Entry // key -> entry
}

func NewIndex() *Index {
	return &Index{
		graph:   hnsw.NewGraph[string](),
		entries: make(map[string]Entry),
	}
}

// Add remembers the code of a completed exchange. Blank inputs and inputs
// already present only refresh the stored result.
func (idx *Index) Add(ex evalvana.Exchange) {
	if strings.TrimSpace(ex.Code) == "" {
		return
	}
	key := entryKey(ex.PluginID, ex.Code)
	e := Entry{
		PluginID: ex.PluginID,
		Code:     ex.Code,
		Result:   ex.Result.Text,
		Seen:     ex.Finished,
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.graph.Lookup(key); !exists {
		idx.graph.Add(hnsw.MakeNode(key, embed(ex.Code)))
	}
	idx.entries[key] = e
}

// Search returns up to k remembered inputs closest to query, nearest first.
func (idx *Index) Search(query string, k int) []Entry {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil
	}
	vec := embed(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.graph.Len() == 0 {
		return nil
	}
	neighbors := idx.graph.Search(vec, k)
	out := make([]Entry, 0, len(neighbors))
	for _, n := range neighbors {
		if e, ok := idx.entries[n.Key]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of remembered inputs.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func entryKey(pluginID, code string) string {
	h := sha256.Sum256([]byte(pluginID + "\x00" + code))
	return fmt.Sprintf("%x", h)
}
