// Package evalvana defines the data model shared by the evaluation host:
// requests sent to language plugins, the responses they stream back, and the
// descriptors that tell the host how to launch each plugin.
// On the wire every message is a single JSON object terminated by a newline.
package evalvana

import (
	"encoding/json"
	"time"
)

// Kind tags the variant carried by a Response.
type Kind string

const (
	// KindValue is a terminal response carrying the display text of a result.
	KindValue Kind = "value"
	// KindError is a terminal response describing a failed evaluation.
	KindError Kind = "error"
	// KindPartial is a streamed output chunk; more responses follow.
	KindPartial Kind = "partial"
)

// Valid reports whether k is one of the known response kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindValue, KindError, KindPartial:
		return true
	}
	return false
}

// Terminal reports whether a response of this kind ends a request's stream.
func (k Kind) Terminal() bool {
	return k == KindValue || k == KindError
}

// Request is one evaluation submitted to a plugin.
type Request struct {
	// ID is assigned by the session router; it increases monotonically within
	// a session and is never reused.
	ID int64
	// SessionID identifies the REPL session that submitted the code.
	SessionID string
	// Code is the source text to evaluate.
	Code string
	// Timeout bounds how long the host waits for a terminal response.
	// Zero means the plugin's or the pool's default.
	Timeout time.Duration
}

// Span is a byte range into the submitted code.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Response is one frame answering a Request.
type Response struct {
	// ID is the request this frame answers.
	ID int64 `json:"id"`
	// Kind selects the variant: value, error or partial.
	Kind Kind `json:"kind"`
	// Text is the display text, error message or streamed chunk.
	Text string `json:"text"`
	// Span optionally locates an error in the source.
	Span *Span `json:"span"`
	// Meta is optional structured metadata attached to a value.
	Meta json.RawMessage `json:"meta,omitempty"`

	// Cause is set on responses synthesized by the host (timeouts, crashes)
	// so callers can match them with errors.Is. It never travels on the wire.
	Cause error `json:"-"`
}

// Terminal reports whether r ends its request's stream.
func (r Response) Terminal() bool {
	return r.Kind.Terminal()
}

// Err returns the cause of a synthesized error response, or nil.
func (r Response) Err() error {
	return r.Cause
}

// Synthesize builds a host-generated error response for request id.
func Synthesize(id int64, cause error) Response {
	return Response{
		ID:    id,
		Kind:  KindError,
		Text:  cause.Error(),
		Cause: cause,
	}
}

// Capability names a protocol feature a plugin declares in its descriptor.
type Capability string

const (
	// CapHover marks plugins that answer inspection requests.
	CapHover Capability = "supports-hover"
	// CapStreaming marks plugins that emit partial frames.
	CapStreaming Capability = "supports-streaming"
	// CapCancel marks plugins that understand cancel frames.
	CapCancel Capability = "supports-cancel"
	// CapConcurrent marks plugins that may serve several sessions from one
	// process at the same time.
	CapConcurrent Capability = "concurrent"
)

// Descriptor describes how to launch one plugin. Descriptors are loaded
// once at startup and never modified afterwards.
type Descriptor struct {
	// ID is the plugin name sessions refer to (e.g. "python").
	ID string `toml:"id" json:"id"`
	// Path is the resolved executable.
	Path string `toml:"path" json:"path"`
	// Command is an alternative to Path/Args: a shell-style command line that
	// is split into Path and Args when the registry is built.
	Command string `toml:"command" json:"command,omitempty"`
	// Args are passed to the executable.
	Args []string `toml:"args" json:"args,omitempty"`
	// Env is added on top of the host's environment.
	Env map[string]string `toml:"env" json:"env,omitempty"`
	// Capabilities lists the protocol features the plugin supports.
	Capabilities []Capability `toml:"capabilities" json:"capabilities,omitempty"`
	// Timeout overrides the pool's default request timeout for this plugin.
	Timeout time.Duration `toml:"timeout" json:"timeout,omitempty"`
}

// Has reports whether the descriptor declares capability c.
func (d Descriptor) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Exchange is one completed request/response pair kept in a session's
// transcript.
type Exchange struct {
	RequestID int64     `json:"request_id" toml:"request_id"`
	SessionID string    `json:"session_id" toml:"session_id"`
	PluginID  string    `json:"plugin_id" toml:"plugin_id"`
	Code      string    `json:"code" toml:"code"`
	Output    []string  `json:"output,omitempty" toml:"output,omitempty"`
	Result    Response  `json:"result" toml:"-"`
	Started   time.Time `json:"started" toml:"started"`
	Finished  time.Time `json:"finished" toml:"finished"`
}
