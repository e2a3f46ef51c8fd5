package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reason classifies a DecodeError.
type Reason int

const (
	// Malformed frames are complete but not a valid message.
	Malformed Reason = iota + 1
	// Truncated frames were cut off by the stream closing.
	Truncated
)

func (r Reason) String() string {
	switch r {
	case Malformed:
		return "malformed"
	case Truncated:
		return "truncated"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Sentinels for errors.Is against a *DecodeError.
var (
	ErrMalformed = errors.New("malformed frame")
	ErrTruncated = errors.New("truncated frame")
)

// maxQuoted bounds how much of a bad frame is kept for error messages.
const maxQuoted = 256

// DecodeError reports a frame that could not be decoded. It is local to the
// stream: reading may continue after a Malformed error.
type DecodeError struct {
	Reason Reason
	// ID is the frame's request id when it could still be recovered.
	ID    int64
	HasID bool
	// Frame holds (a prefix of) the offending bytes.
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	msg := e.Reason.String() + " frame"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Reason == Malformed
	case ErrTruncated:
		return e.Reason == Truncated
	}
	return false
}

func quote(frame []byte) []byte {
	if len(frame) > maxQuoted {
		frame = frame[:maxQuoted]
	}
	return append([]byte(nil), frame...)
}

// malformed builds a Malformed error, recovering the id if the frame is at
// least a JSON object with a numeric "id".
func malformed(frame []byte, err error) *DecodeError {
	e := &DecodeError{Reason: Malformed, Frame: quote(frame), Err: err}
	var probe struct {
		ID *int64 `json:"id"`
	}
	if json.Unmarshal(frame, &probe) == nil && probe.ID != nil {
		e.ID, e.HasID = *probe.ID, true
	}
	return e
}

func malformedID(frame []byte, id int64, err error) *DecodeError {
	return &DecodeError{Reason: Malformed, ID: id, HasID: true, Frame: quote(frame), Err: err}
}
