package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"testing/quick"
	"time"

	"github.com/Paranoid-AF/evalvana"
)

var update = flag.Bool("update", false, "rewrite golden files")

func golden(t *testing.T, name string, got []byte) {
	t.Helper()
	path := filepath.Join("testdata", name+".golden")
	if *update {
		if err := os.WriteFile(path, got, 0o644); err != nil {
			t.Fatal(err)
		}
		return
	}
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("%s mismatch:\ngot:  %q\nwant: %q", name, got, want)
	}
}

func TestEncodeGolden(t *testing.T) {
	tests := []struct {
		name   string
		encode func() ([]byte, error)
	}{
		{"request_plain", func() ([]byte, error) {
			return EncodeRequest(evalvana.Request{ID: 1, SessionID: "ignored", Code: "1 + 1"})
		}},
		{"request_timeout", func() ([]byte, error) {
			return EncodeRequest(evalvana.Request{ID: 2, Code: "print(\"<hi>\")\nx := 2", Timeout: 1500 * time.Millisecond})
		}},
		{"cancel", func() ([]byte, error) { return EncodeCancel(7) }},
		{"response_error", func() ([]byte, error) {
			return EncodeResponse(evalvana.Response{
				ID: 3, Kind: evalvana.KindError, Text: "undefined: x",
				Span: &evalvana.Span{Start: 4, End: 5},
				Cause: errors.New("not on the wire"),
			})
		}},
		{"response_value_meta", func() ([]byte, error) {
			return EncodeResponse(evalvana.Response{
				ID: 4, Kind: evalvana.KindValue, Text: "2",
				Meta: json.RawMessage(`{"type":"untyped int"}`),
			})
		}},
		{"response_partial", func() ([]byte, error) {
			return EncodeResponse(evalvana.Response{ID: 5, Kind: evalvana.KindPartial, Text: "line one\n"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.encode()
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Count(got, []byte("\n")) != 1 || got[len(got)-1] != '\n' {
				t.Errorf("frame must hold exactly one trailing newline: %q", got)
			}
			golden(t, tt.name, got)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	resp := evalvana.Response{ID: 9, Kind: evalvana.KindValue, Text: "ok", Meta: json.RawMessage(`{"b":1,"a":2}`)}
	first, err := EncodeResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := EncodeResponse(resp)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs: %q vs %q", first, again)
		}
	}
}

func TestEncodeResponseRejectsUnknownKind(t *testing.T) {
	if _, err := EncodeResponse(evalvana.Response{ID: 1, Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	kinds := []evalvana.Kind{evalvana.KindValue, evalvana.KindError, evalvana.KindPartial}
	f := func(id int64, k uint8, text string, withSpan bool, start, width uint16) bool {
		resp := evalvana.Response{
			ID:   id,
			Kind: kinds[int(k)%len(kinds)],
			Text: strings.ToValidUTF8(text, "?"),
		}
		if withSpan {
			resp.Span = &evalvana.Span{Start: int(start), End: int(start) + int(width)}
		}
		frame, err := EncodeResponse(resp)
		if err != nil {
			t.Log(err)
			return false
		}
		got, err := DecodeResponse(frame)
		if err != nil {
			t.Log(err)
			return false
		}
		return reflect.DeepEqual(got, resp)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"id":4,"kind":"value","text":"2","span":null,"meta":{"type":"int"},"extra":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != 4 || resp.Kind != evalvana.KindValue || resp.Text != "2" || resp.Span != nil {
		t.Errorf("unexpected response: %+v", resp)
	}
	if string(resp.Meta) != `{"type":"int"}` {
		t.Errorf("meta = %s", resp.Meta)
	}

	resp, err = DecodeResponse([]byte(`{"id":1,"kind":"partial"}` + "\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "" || resp.Meta != nil {
		t.Errorf("missing text and meta should decode empty: %+v", resp)
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		hasID  bool
		wantID int64
	}{
		{"not json", `hello`, false, 0},
		{"array", `[1,2]`, false, 0},
		{"missing id", `{"kind":"value","text":"1"}`, false, 0},
		{"missing kind", `{"id":3,"text":"1"}`, true, 3},
		{"unknown kind", `{"id":4,"kind":"shout","text":"1"}`, true, 4},
		{"wrong text type", `{"id":5,"kind":"value","text":5}`, true, 5},
		{"inverted span", `{"id":6,"kind":"error","text":"x","span":{"start":5,"end":2}}`, true, 6},
		{"negative span", `{"id":7,"kind":"error","text":"x","span":{"start":-1,"end":2}}`, true, 7},
		{"string id", `{"id":"8","kind":"value"}`, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tt.frame))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if errors.Is(err, ErrTruncated) {
				t.Error("malformed error must not match ErrTruncated")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if de.HasID != tt.hasID || de.ID != tt.wantID {
				t.Errorf("recovered id = (%d, %v), want (%d, %v)", de.ID, de.HasID, tt.wantID, tt.hasID)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	f, err := DecodeRequest([]byte(`{"id":2,"code":"x","timeout_ms":250}`))
	if err != nil {
		t.Fatal(err)
	}
	want := RequestFrame{ID: 2, Code: "x", Timeout: 250 * time.Millisecond}
	if f != want {
		t.Errorf("got %+v, want %+v", f, want)
	}

	f, err = DecodeRequest([]byte(`{"id":2,"cancel":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Cancel || f.ID != 2 {
		t.Errorf("expected cancel frame, got %+v", f)
	}

	for _, bad := range []string{`{"code":"x"}`, `{"id":1}`, `{"id":1,"code":"x","timeout_ms":-1}`, `nope`} {
		if _, err := DecodeRequest([]byte(bad)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeRequest(%s) = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestRequestEncodeDecode(t *testing.T) {
	frame, err := EncodeRequest(evalvana.Request{ID: 11, Code: "a\nb", Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	f, err := DecodeRequest(frame)
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 11 || f.Code != "a\nb" || f.Timeout != time.Second {
		t.Errorf("got %+v", f)
	}

	// Sub-millisecond timeouts must not collapse into "no timeout".
	frame, err = EncodeRequest(evalvana.Request{ID: 12, Timeout: time.Microsecond})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(frame, []byte(`"timeout_ms":1`)) {
		t.Errorf("frame = %s", frame)
	}
}

func TestReaderSplitsFrames(t *testing.T) {
	input := "\n" +
		`{"id":1,"kind":"partial","text":"a"}` + "\n" +
		"   \r\n" +
		`{"id":1,"kind":"value","text":"b"}` + "\r\n"

	// One byte at a time exercises reassembly across reads.
	r := NewReader(iotest.OneByteReader(strings.NewReader(input)), 0)

	first, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != evalvana.KindPartial || first.Text != "a" {
		t.Errorf("first = %+v", first)
	}
	second, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != evalvana.KindValue || second.Text != "b" {
		t.Errorf("second = %+v", second)
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":1,"kind":"value","text":"ok"}`+"\n"+`{"id":2,"ki`), 0)
	if _, err := r.ReadResponse(); err != nil {
		t.Fatal(err)
	}
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated error should wrap io.ErrUnexpectedEOF: %v", err)
	}
}

func TestReaderOversizedFrameIsLocal(t *testing.T) {
	big := `{"id":1,"kind":"value","text":"` + strings.Repeat("x", 200) + `"}`
	input := big + "\n" + `{"id":2,"kind":"value","text":"small"}` + "\n"
	r := NewReader(strings.NewReader(input), 64)

	_, err := r.ReadFrame()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for oversized frame, got %v", err)
	}
	resp, err := r.ReadResponse()
	if err != nil {
		t.Fatalf("reader should recover after an oversized frame: %v", err)
	}
	if resp.ID != 2 || resp.Text != "small" {
		t.Errorf("got %+v", resp)
	}
}

func TestReaderMalformedFrameIsLocal(t *testing.T) {
	input := "garbage\n" + `{"id":2,"kind":"value","text":"fine"}` + "\n"
	r := NewReader(strings.NewReader(input), 0)
	if _, err := r.ReadResponse(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	resp, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "fine" {
		t.Errorf("got %+v", resp)
	}
}

func TestReaderPropagatesReadError(t *testing.T) {
	boom := errors.New("boom")
	r := NewReader(iotest.ErrReader(boom), 0)
	if _, err := r.ReadFrame(); !errors.Is(err, boom) {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestWriterFramesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteResponse(evalvana.Response{ID: int64(i), Kind: evalvana.KindPartial, Text: strings.Repeat("y", 500)})
		}()
	}
	wg.Wait()

	r := NewReader(&buf, 0)
	seen := make(map[int64]bool)
	for {
		resp, err := r.ReadResponse()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		seen[resp.ID] = true
	}
	if len(seen) != 50 {
		t.Errorf("decoded %d distinct frames, want 50", len(seen))
	}
}
