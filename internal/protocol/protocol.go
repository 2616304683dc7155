// Package protocol defines the JSON frames exchanged on the registration
// channel between a node and a lookup service, and the symbolic error codes
// carried in failure responses.
//
// Every request frame carries a msgid chosen by the sender and the verb under
// "msg"; the response echoes the msgid with either a result or an error
// object. Event frames are pushed on the subscription channel only and carry
// no msgid.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oca159/gaffer/internal/registry"
)

// Verbs accepted by the lookup endpoint.
const (
	VerbIdentify      = "identify"
	VerbPing          = "ping"
	VerbAddJob        = "add_job"
	VerbRemoveJob     = "remove_job"
	VerbAddProcess    = "add_process"
	VerbRemoveProcess = "remove_process"
)

// Error codes carried in Error.Code. The first six map 1:1 to the registry
// error kinds; bad_request covers malformed frames, and timeout and
// connection_lost are produced on the node side when a request cannot be
// correlated with a response.
const (
	CodeNoIdent           = "no_ident"
	CodeAlreadyIdentified = "already_identified"
	CodeIdentExists       = "ident_exists"
	CodeJobNotFound       = "job_not_found"
	CodeAlreadyRegistered = "already_registered"
	CodeDuplicateNode     = "duplicate_node"
	CodeBadRequest        = "bad_request"
	CodeTimeout           = "timeout"
	CodeConnectionLost    = "connection_lost"
)

// Request is an inbound frame on the registration channel.
//
// The parameter fields are a union across verbs: identify uses Name (the
// hostname), Port, BroadcastAddress and Version; the job and process verbs
// use Name (the job name) and, for process verbs, Pid. Ping has no
// parameters.
type Request struct {
	MsgID string `json:"msgid"`
	Msg   string `json:"msg"`

	Name             string  `json:"name,omitempty"`
	Port             int     `json:"port,omitempty"`
	BroadcastAddress string  `json:"broadcast_address,omitempty"`
	Version          float64 `json:"version,omitempty"`
	Pid              int     `json:"pid,omitempty"`
}

// Response is the reply to one Request, correlated by MsgID. Exactly one of
// Result and Error is set.
type Response struct {
	MsgID  string `json:"msgid"`
	Result string `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// OK reports whether the response carries a successful result.
func (r Response) OK() bool {
	return r.Error == nil && r.Result == "ok"
}

// Error is the failure body of a Response.
type Error struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) String() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// OKResponse builds a success response for msgid.
func OKResponse(msgid string) Response {
	return Response{MsgID: msgid, Result: "ok"}
}

// ErrorResponse builds a failure response for msgid.
func ErrorResponse(msgid, code, reason string) Response {
	return Response{MsgID: msgid, Error: &Error{Code: code, Reason: reason}}
}

// EventFrame is one change event pushed on the subscription channel.
// Payload is a registry.Node for node events, a registry.JobEvent for job
// events and a registry.ProcessEvent for process events.
type EventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// CodeFor maps a registry error to its wire code. Unrecognized errors map to
// bad_request so a bug on the service side never leaks an unlisted code to
// nodes.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrNoIdent):
		return CodeNoIdent
	case errors.Is(err, registry.ErrAlreadyIdentified):
		return CodeAlreadyIdentified
	case errors.Is(err, registry.ErrIdentExists):
		return CodeIdentExists
	case errors.Is(err, registry.ErrJobNotFound):
		return CodeJobNotFound
	case errors.Is(err, registry.ErrAlreadyRegistered):
		return CodeAlreadyRegistered
	case errors.Is(err, registry.ErrDuplicateNode):
		return CodeDuplicateNode
	default:
		return CodeBadRequest
	}
}

// DecodeResponse parses one text frame into resp.
func DecodeResponse(data []byte, resp *Response) error {
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("malformed response frame: %w", err)
	}
	return nil
}

// DecodeRequest parses one text frame into a Request. It rejects frames that
// are not JSON objects, lack a msg verb, or carry parameters of the wrong
// type — the endpoint answers those with bad_request without closing the
// connection.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("malformed frame: %w", err)
	}
	if req.Msg == "" {
		return req, errors.New("malformed frame: missing msg")
	}
	return req, nil
}
