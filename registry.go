package evalvana

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Registry is the immutable set of plugin descriptors known to the host.
// Build it once at startup and share it; nothing mutates it afterwards.
type Registry struct {
	byID map[string]Descriptor
	ids  []string
}

// NewRegistry validates descriptors and returns a registry holding copies of
// them. Plugin ids must be unique and every descriptor needs a path.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("plugin descriptor without id (path %q)", d.Path)
		}
		if d.Path == "" {
			return nil, fmt.Errorf("plugin %s: no executable path", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("plugin %s: duplicate id", d.ID)
		}
		r.byID[d.ID] = cloneDescriptor(d)
		r.ids = append(r.ids, d.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return cloneDescriptor(d), true
}

// IDs returns the registered plugin ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.ids)
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ids)
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Args = slices.Clone(d.Args)
	d.Capabilities = slices.Clone(d.Capabilities)
	d.Env = maps.Clone(d.Env)
	return d
}
