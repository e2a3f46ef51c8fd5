// Package codec implements the plugin wire format: newline-delimited JSON
// frames carrying evaluation requests to a plugin and responses back.
//
// Encoding is deterministic: the same value always yields the same bytes,
// which keeps golden-file tests stable.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/Paranoid-AF/evalvana"
)

// requestFrame is the host-to-plugin evaluation message.
type requestFrame struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	TimeoutMS *int64 `json:"timeout_ms"`
}

// cancelFrame asks a plugin with the supports-cancel capability to abandon
// request ID.
type cancelFrame struct {
	ID     int64 `json:"id"`
	Cancel bool  `json:"cancel"`
}

// incomingRequest accepts both request and cancel frames on the plugin side.
type incomingRequest struct {
	ID        *int64  `json:"id"`
	Code      *string `json:"code"`
	TimeoutMS *int64  `json:"timeout_ms"`
	Cancel    bool    `json:"cancel"`
}

// incomingResponse mirrors evalvana.Response with pointers so missing
// fields can be told apart from zero values.
type incomingResponse struct {
	ID   *int64          `json:"id"`
	Kind *string         `json:"kind"`
	Text *string         `json:"text"`
	Span *evalvana.Span  `json:"span"`
	Meta json.RawMessage `json:"meta"`
}

// RequestFrame is a decoded host-to-plugin frame as seen by a plugin.
type RequestFrame struct {
	ID      int64
	Code    string
	Timeout time.Duration
	// Cancel is set for cancel frames; Code and Timeout are then empty.
	Cancel bool
}

// EncodeRequest renders req as one frame, trailing newline included.
// The frame id is req.ID.
func EncodeRequest(req evalvana.Request) ([]byte, error) {
	f := requestFrame{ID: req.ID, Code: req.Code}
	if req.Timeout > 0 {
		ms := req.Timeout.Milliseconds()
		if ms == 0 {
			ms = 1
		}
		f.TimeoutMS = &ms
	}
	return encode(f)
}

// EncodeCancel renders a cancel frame for request id.
func EncodeCancel(id int64) ([]byte, error) {
	return encode(cancelFrame{ID: id, Cancel: true})
}

// EncodeResponse renders resp as one frame, trailing newline included.
func EncodeResponse(resp evalvana.Response) ([]byte, error) {
	if !resp.Kind.Valid() {
		return nil, fmt.Errorf("encode response %d: unknown kind %q", resp.ID, resp.Kind)
	}
	return encode(resp)
}

func encode(v any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encode appends the newline delimiter; JSON escapes any newline inside
	// strings, so a frame never contains another one.
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.B), nil
}

// DecodeResponse parses one response frame (with or without its trailing
// newline). Invalid JSON, a missing id or kind, an unknown kind or an
// inverted span yield a Malformed DecodeError.
func DecodeResponse(frame []byte) (evalvana.Response, error) {
	frame = bytes.TrimSpace(frame)

	var in incomingResponse
	if err := json.Unmarshal(frame, &in); err != nil {
		return evalvana.Response{}, malformed(frame, err)
	}
	if in.ID == nil {
		return evalvana.Response{}, malformed(frame, errors.New("missing id"))
	}
	if in.Kind == nil {
		return evalvana.Response{}, malformedID(frame, *in.ID, errors.New("missing kind"))
	}
	kind := evalvana.Kind(*in.Kind)
	if !kind.Valid() {
		return evalvana.Response{}, malformedID(frame, *in.ID, fmt.Errorf("unknown kind %q", *in.Kind))
	}
	if s := in.Span; s != nil && (s.Start < 0 || s.End < s.Start) {
		return evalvana.Response{}, malformedID(frame, *in.ID, fmt.Errorf("invalid span [%d,%d)", s.Start, s.End))
	}

	resp := evalvana.Response{
		ID:   *in.ID,
		Kind: kind,
		Span: in.Span,
	}
	if in.Text != nil {
		resp.Text = *in.Text
	}
	if len(in.Meta) > 0 && !bytes.Equal(in.Meta, []byte("null")) {
		resp.Meta = in.Meta
	}
	return resp, nil
}

// DecodeRequest parses one host-to-plugin frame.
func DecodeRequest(frame []byte) (RequestFrame, error) {
	frame = bytes.TrimSpace(frame)

	var in incomingRequest
	if err := json.Unmarshal(frame, &in); err != nil {
		return RequestFrame{}, malformed(frame, err)
	}
	if in.ID == nil {
		return RequestFrame{}, malformed(frame, errors.New("missing id"))
	}
	if in.Cancel {
		return RequestFrame{ID: *in.ID, Cancel: true}, nil
	}
	if in.Code == nil {
		return RequestFrame{}, malformedID(frame, *in.ID, errors.New("missing code"))
	}
	f := RequestFrame{ID: *in.ID, Code: *in.Code}
	if in.TimeoutMS != nil {
		if *in.TimeoutMS < 0 {
			return RequestFrame{}, malformedID(frame, *in.ID, fmt.Errorf("negative timeout_ms %d", *in.TimeoutMS))
		}
		f.Timeout = time.Duration(*in.TimeoutMS) * time.Millisecond
	}
	return f, nil
}
