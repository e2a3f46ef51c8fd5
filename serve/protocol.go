package main

import (
	"errors"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/codec"
	"github.com/Paranoid-AF/evalvana/process"
	"github.com/Paranoid-AF/evalvana/transcript"
)

// Message types sent by clients. Replies echo the type, except for the
// streamed "response" messages of an eval and the "cancelled" notice.
const (
	typePlugins    = "plugins"
	typeOpen       = "open"
	typeEval       = "eval"
	typeCancel     = "cancel"
	typeClose      = "close"
	typeTranscript = "transcript"
	typeRecall     = "recall"
	typeHealth     = "health"

	typeResponse  = "response"
	typeCancelled = "cancelled"
	typeError     = "error"
)

// defaultRecallLimit is used when a recall message does not set a limit.
const defaultRecallLimit = 5

// clientMessage is one line sent by a UI client.
type clientMessage struct {
	Type      string `json:"type"`
	Plugin    string `json:"plugin,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID int64  `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
	Query     string `json:"query,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// serverMessage is one line sent back to a client.
type serverMessage struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"session_id,omitempty"`
	RequestID  int64               `json:"request_id,omitempty"`
	Plugins    []string            `json:"plugins,omitempty"`
	Response   *evalvana.Response  `json:"response,omitempty"`
	Transcript []evalvana.Exchange `json:"transcript,omitempty"`
	Recall     []transcript.Entry  `json:"recall,omitempty"`
	Processes  []process.Status    `json:"processes,omitempty"`
	Error      *errorBody          `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps an error onto the stable code clients match on.
func errorCode(err error) string {
	var pe *evalvana.ProcessError
	switch {
	case errors.Is(err, evalvana.ErrUnknownPlugin):
		return "unknown_plugin"
	case errors.Is(err, evalvana.ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, evalvana.ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, evalvana.ErrNoActiveRequest):
		return "no_active_request"
	case errors.Is(err, evalvana.ErrCancelled):
		return "cancelled"
	case errors.Is(err, evalvana.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, process.ErrClosed):
		return "shutting_down"
	case errors.As(err, &pe):
		return "plugin_unavailable"
	case errors.Is(err, codec.ErrMalformed), errors.Is(err, codec.ErrTruncated):
		return "invalid_request"
	}
	return "internal"
}

func errorMessage(typ string, err error) serverMessage {
	return serverMessage{
		Type:  typ,
		Error: &errorBody{Code: errorCode(err), Message: err.Error()},
	}
}
