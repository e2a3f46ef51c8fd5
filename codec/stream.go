package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Paranoid-AF/evalvana"
)

// DefaultMaxFrame is the frame size limit used when none is configured.
const DefaultMaxFrame = 8 << 20

// Reader splits a byte stream into frames. It is not safe for concurrent use.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader returns a Reader rejecting frames longer than maxFrame bytes.
// A non-positive maxFrame selects DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), max: maxFrame}
}

// ReadFrame returns the next non-blank frame without its line terminator.
// It returns io.EOF when the stream ends cleanly between frames, a Truncated
// DecodeError when it ends mid-frame, and a Malformed DecodeError for an
// oversized frame, after which reading may continue.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !oversized {
			// The limit excludes the terminator.
			body := len(line) + len(bytes.TrimRight(chunk, "\r\n"))
			if body > r.max {
				oversized = true
				line = quote(append(line, chunk...))
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, &DecodeError{
					Reason: Malformed,
					Frame:  line,
					Err:    fmt.Errorf("frame exceeds %d bytes", r.max),
				}
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case len(bytes.TrimSpace(line)) > 0:
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, &DecodeError{Reason: Truncated, Frame: quote(line), Err: err}
		default:
			return nil, err
		}
	}
}

// ReadResponse reads and decodes the next response frame.
func (r *Reader) ReadResponse() (evalvana.Response, error) {
	frame, err := r.ReadFrame()
	if err != nil {
		return evalvana.Response{}, err
	}
	return DecodeResponse(frame)
}

// ReadRequest reads and decodes the next host-to-plugin frame.
func (r *Reader) ReadRequest() (RequestFrame, error) {
	frame, err := r.ReadFrame()
	if err != nil {
		return RequestFrame{}, err
	}
	return DecodeRequest(frame)
}

// Writer writes whole frames. Concurrent writers never interleave within a
// frame.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteRequest(req evalvana.Request) error {
	b, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return w.write(b)
}

func (w *Writer) WriteCancel(id int64) error {
	b, err := EncodeCancel(id)
	if err != nil {
		return err
	}
	return w.write(b)
}

func (w *Writer) WriteResponse(resp evalvana.Response) error {
	b, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return w.write(b)
}

func (w *Writer) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(b)
	return err
}
