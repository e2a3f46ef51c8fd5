package evalvana

import (
	"reflect"
	"testing"
)

func TestNewRegistrySortsIDs(t *testing.T) {
	r, err := NewRegistry(
		Descriptor{ID: "ruby", Path: "irb"},
		Descriptor{ID: "calc", Path: "evalvana-calc"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.IDs(); !reflect.DeepEqual(got, []string{"calc", "ruby"}) {
		t.Errorf("IDs() = %v", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestNewRegistryRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		descs []Descriptor
	}{
		{"missing id", []Descriptor{{Path: "x"}}},
		{"missing path", []Descriptor{{ID: "x"}}},
		{"duplicate", []Descriptor{{ID: "x", Path: "a"}, {ID: "x", Path: "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.descs...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistryLookupReturnsCopies(t *testing.T) {
	r, err := NewRegistry(Descriptor{
		ID:           "py",
		Path:         "python3",
		Args:         []string{"-i"},
		Env:          map[string]string{"A": "1"},
		Capabilities: []Capability{CapCancel},
	})
	if err != nil {
		t.Fatal(err)
	}

	d, ok := r.Lookup("py")
	if !ok {
		t.Fatal("expected py")
	}
	d.Args[0] = "mutated"
	d.Env["A"] = "mutated"
	d.Capabilities[0] = CapConcurrent

	again, _ := r.Lookup("py")
	if again.Args[0] != "-i" || again.Env["A"] != "1" || again.Capabilities[0] != CapCancel {
		t.Errorf("registry was mutated through a lookup: %+v", again)
	}

	if _, ok := r.Lookup("nope"); ok {
		t.Error("expected lookup miss")
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	if _, ok := r.Lookup("x"); ok {
		t.Error("nil registry lookup should miss")
	}
	if r.Len() != 0 || r.IDs() != nil {
		t.Error("nil registry should be empty")
	}
}
