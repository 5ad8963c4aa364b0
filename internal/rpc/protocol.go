// Package rpc is the session transport: a single HTTP endpoint speaking
// JSON-RPC 2.0, with per-session server-sent event streams for
// server-initiated messages and resumable replay after disconnects.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Method names for all operations the session endpoint accepts.
const (
	MethodPing = "ping"

	MethodUpsertEntity      = "graph.upsert_entity"
	MethodAddObservation    = "graph.add_observation"
	MethodLink              = "graph.link"
	MethodUnlink            = "graph.unlink"
	MethodDeleteEntity      = "graph.delete_entity"
	MethodDeleteObservation = "graph.delete_observation"
	MethodSearch            = "graph.search"
	MethodExpand            = "graph.expand"
	MethodObservations      = "graph.observations"
	MethodSnapshot          = "graph.snapshot"
	MethodRebuild           = "graph.rebuild"
	MethodCompact           = "graph.compact"

	MethodContext = "retrieval.context"

	MethodDocRead   = "docs.read"
	MethodDocWrite  = "docs.write"
	MethodDocList   = "docs.list"
	MethodDocDelete = "docs.delete"

	// MethodChanged is the server-initiated notification pushed on the
	// session stream after every mutation.
	MethodChanged = "graph.changed"
)

// JSON-RPC 2.0 error codes, the standard range plus implementation-defined
// codes for the storage error taxonomy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound    = -32001
	CodeValidation  = -32002
	CodeDenied      = -32003
	CodeRateLimited = -32004
	CodeSessionGone = -32005
	CodeConflict    = -32006
	CodeUnavailable = -32010
)

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request expects no response.
func (r *Request) Notification() bool {
	return len(r.ID) == 0
}

// Validate checks the envelope, not the params.
func (r *Request) Validate() error {
	if r.JSONRPC != "2.0" {
		return fmt.Errorf("jsonrpc must be \"2.0\"")
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a failed response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResponse marshals result into a success response.
func NewResponse(id json.RawMessage, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "failed to encode result")
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: data}
}

// NewErrorResponse builds a failed response with the given code.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	}
}

// ErrorResponseFor maps a storage error onto the wire taxonomy.
func ErrorResponseFor(id json.RawMessage, err error) *Response {
	return NewErrorResponse(id, codeForError(err), err.Error())
}

func codeForError(err error) int {
	switch {
	case storage.IsEntityNotFound(err):
		return CodeNotFound
	case storage.IsInvalidInput(err):
		return CodeInvalidParams
	case storage.IsValidation(err):
		return CodeValidation
	case storage.IsTenantDenied(err):
		return CodeDenied
	case storage.IsRateLimited(err):
		return CodeRateLimited
	case storage.IsSessionGone(err):
		return CodeSessionGone
	case storage.IsMarkerMismatch(err):
		return CodeConflict
	case storage.IsIoError(err):
		return CodeUnavailable
	default:
		return CodeInternalError
	}
}

// NewNotification builds a server-initiated notification request.
func NewNotification(method string, params any) (*Request, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification params: %w", err)
	}
	return &Request{JSONRPC: "2.0", Method: method, Params: data}, nil
}

// Params for each method. Field names are the wire contract.

type UpsertEntityParams struct {
	Name       string         `json:"name"`
	EntityType string         `json:"entityType"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

type AddObservationParams struct {
	Entity    string        `json:"entity"` // id or name
	Text      string        `json:"text"`
	Source    *types.Source `json:"source,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitzero"`
}

type LinkParams struct {
	From         string `json:"from"`
	RelationType string `json:"relationType"`
	To           string `json:"to"`
}

type EntityParams struct {
	Entity string `json:"entity"`
}

type DeleteObservationParams struct {
	ID string `json:"id"`
}

type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type ExpandParams struct {
	Seeds []string `json:"seeds"`
	Depth int      `json:"depth,omitempty"`
}

type ObservationsParams struct {
	Entity string `json:"entity"`
	Limit  int    `json:"limit,omitempty"`
}

type ContextParams struct {
	Query           string `json:"query"`
	MaxChars        int    `json:"maxChars,omitempty"`
	MaxFiles        int    `json:"maxFiles,omitempty"`
	GraphLimit      int    `json:"graphLimit,omitempty"`
	GraphDepth      int    `json:"graphDepth,omitempty"`
	PreferCoreFiles *bool  `json:"preferCoreFiles,omitempty"`
}

type DocReadParams struct {
	Path string `json:"path"`
}

type DocWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type DocListParams struct {
	Prefix string `json:"prefix,omitempty"`
}

// Ack is the result of operations that return no data.
type Ack struct {
	OK bool `json:"ok"`
}

// DocReadResult carries a document read back to the client.
type DocReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DocListResult lists document paths under a prefix.
type DocListResult struct {
	Paths []string `json:"paths"`
}

// ChangedParams is the payload of MethodChanged notifications: what kind of
// item changed, how, and its id.
type ChangedParams struct {
	Change string `json:"change"` // entity_upsert, observation_add, ...
	Kind   string `json:"kind"`   // entity, observation, relation, document
	ID     string `json:"id,omitempty"`
}
