package evalvana

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestResponseSpanNullWhenNil(t *testing.T) {
	resp := Response{ID: 1, Kind: KindValue, Text: "2"}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"span":null`) {
		t.Errorf("expected span:null, got %s", data)
	}
}

func TestResponseMetaOmittedWhenEmpty(t *testing.T) {
	resp := Response{ID: 1, Kind: KindValue, Text: "2"}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"meta"`) {
		t.Errorf("expected no meta key, got %s", data)
	}
}

func TestResponseCauseNeverMarshalled(t *testing.T) {
	resp := Synthesize(3, ErrTimeout)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if strings.Contains(s, "Cause") || strings.Contains(s, "cause") {
		t.Errorf("cause leaked into JSON: %s", s)
	}
	if !strings.Contains(s, `"kind":"error"`) {
		t.Errorf("expected kind error, got %s", s)
	}
	if !strings.Contains(s, `"text":"evaluation timed out"`) {
		t.Errorf("expected timeout text, got %s", s)
	}
}

func TestSynthesizeKeepsCause(t *testing.T) {
	resp := Synthesize(9, ErrProcessTerminated)
	if resp.ID != 9 {
		t.Errorf("expected id 9, got %d", resp.ID)
	}
	if !resp.Terminal() {
		t.Error("synthesized response should be terminal")
	}
	if !errors.Is(resp.Err(), ErrProcessTerminated) {
		t.Errorf("expected ErrProcessTerminated cause, got %v", resp.Err())
	}
	if resp.Text != "plugin process terminated" {
		t.Errorf("unexpected text %q", resp.Text)
	}
}

func TestKindTerminal(t *testing.T) {
	tests := []struct {
		kind     Kind
		valid    bool
		terminal bool
	}{
		{KindValue, true, true},
		{KindError, true, true},
		{KindPartial, true, false},
		{Kind("warning"), false, false},
		{Kind(""), false, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.valid {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.valid)
		}
		if got := tt.kind.Terminal(); got != tt.terminal {
			t.Errorf("Kind(%q).Terminal() = %v, want %v", tt.kind, got, tt.terminal)
		}
	}
}

func TestSpanIncludedWhenSet(t *testing.T) {
	resp := Response{ID: 4, Kind: KindError, Text: "undefined: x", Span: &Span{Start: 0, End: 1}}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"span":{"start":0,"end":1}`) {
		t.Errorf("expected span object, got %s", data)
	}
}

func TestDescriptorHas(t *testing.T) {
	d := Descriptor{ID: "py", Capabilities: []Capability{CapStreaming, CapCancel}}
	if !d.Has(CapCancel) {
		t.Error("expected CapCancel")
	}
	if d.Has(CapConcurrent) {
		t.Error("did not expect CapConcurrent")
	}
}

func TestProcessErrorUnwrap(t *testing.T) {
	err := error(&ProcessError{PluginID: "py", Op: "spawn", Err: ErrPoolExhausted})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected errors.Is to find ErrPoolExhausted in %v", err)
	}
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.PluginID != "py" {
		t.Errorf("expected ProcessError for py, got %v", err)
	}
	if got := err.Error(); got != "plugin py: spawn: plugin instance limit reached" {
		t.Errorf("unexpected message %q", got)
	}
}
