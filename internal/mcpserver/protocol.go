// Package mcpserver implements the MCP protocol layer: JSON-RPC 2.0
// parsing and validation, the initialize handshake, and routing of the
// tools/resources/prompts method surface onto the dispatcher. Transports
// feed it raw message bytes and write back whatever it returns.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/dispatch"
	"github.com/masc-dev/masc/internal/room"
)

// ServerName and ServerVersion identify this server in the handshake.
const (
	ServerName    = "masc"
	ServerVersion = "1.0.0"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// protocolVersions lists the MCP revisions this server accepts, newest
// first. An unknown client version is answered with the newest.
var protocolVersions = []string{"2025-03-26", "2024-11-05"}

type request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is one JSON-RPC response ready to serialize. Transports only
// marshal it; construction stays inside this package.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool { return r != nil && r.Error != nil }

// ParseErrorResponse builds the id=null parse-error response transports
// use for framing-level failures.
func ParseErrorResponse(detail string) *Response {
	return errResponse(nullID, CodeParseError, "Parse error", detail)
}

// Handler is the per-server protocol state. It is safe for concurrent use;
// all mutable room state lives behind the dispatcher.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	log        *logger.Logger
}

// NewHandler builds the protocol handler over a dispatcher.
func NewHandler(d *dispatch.Dispatcher, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		dispatcher: d,
		log:        log.WithFields(zap.String("component", "mcp")),
	}
}

var nullID = json.RawMessage("null")

// HandleMessage processes one raw JSON-RPC message and returns the
// response object to serialize, or nil when no response is owed
// (notifications and peer responses).
func (h *Handler) HandleMessage(ctx context.Context, sessionID string, raw []byte) *Response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(nullID, CodeParseError, "Parse error", err.Error())
	}

	// A message carrying result or error but no method is a response from
	// the peer, not a request. Drop it.
	if req.Method == "" && (req.Result != nil || req.Error != nil) {
		return nil
	}

	id, idOK := normalizeID(req.ID)
	if req.Jsonrpc != "2.0" || req.Method == "" || !idOK {
		return errResponse(id, CodeInvalidRequest, "Invalid Request", nil)
	}

	notification := req.ID == nil
	resp := h.route(ctx, sessionID, id, req)
	if notification {
		return nil
	}
	return resp
}

func (h *Handler) route(ctx context.Context, sessionID string, id json.RawMessage, req request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("method handler panicked",
				zap.String("method", req.Method), zap.Any("panic", r))
			resp = errResponse(id, CodeInternal, "Internal error", fmt.Sprintf("%T", r))
		}
	}()

	switch req.Method {
	case "initialize":
		return h.handleInitialize(id, req.Params)
	case "initialized", "notifications/initialized":
		return okResponse(id, struct{}{})
	case "ping":
		return okResponse(id, struct{}{})
	case "tools/list":
		return okResponse(id, mcp.ListToolsResult{Tools: h.dispatcher.Tools()})
	case "tools/call":
		return h.handleToolsCall(ctx, sessionID, id, req.Params)
	case "resources/list":
		return okResponse(id, mcp.ListResourcesResult{Resources: h.dispatcher.Resources()})
	case "resources/templates/list":
		return okResponse(id, mcp.ListResourceTemplatesResult{
			ResourceTemplates: h.dispatcher.ResourceTemplates(),
		})
	case "resources/read":
		return h.handleResourcesRead(ctx, id, req.Params)
	case "prompts/list":
		return okResponse(id, mcp.ListPromptsResult{Prompts: []mcp.Prompt{}})
	default:
		return errResponse(id, CodeMethodNotFound, "Method not found: "+req.Method, nil)
	}
}

func (h *Handler) handleInitialize(id json.RawMessage, params json.RawMessage) *Response {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return errResponse(id, CodeInvalidParams, "Invalid params", err.Error())
		}
	}
	version := protocolVersions[0]
	for _, v := range protocolVersions {
		if p.ProtocolVersion == v {
			version = v
			break
		}
	}
	h.log.Info("client initialized",
		zap.String("client", p.ClientInfo.Name),
		zap.String("protocol_version", version))
	return okResponse(id, map[string]any{
		"protocolVersion": version,
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
		},
		"instructions": "Multi-agent coordination room. Call masc_join to enter, " +
			"masc_claim_next to pick up work, masc_broadcast to talk to other agents.",
	})
}

func (h *Handler) handleToolsCall(ctx context.Context, sessionID string, id json.RawMessage, params json.RawMessage) *Response {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(id, CodeInvalidParams, "Invalid params", err.Error())
	}
	if p.Name == "" {
		return errResponse(id, CodeInvalidParams, "Invalid params: name is required", nil)
	}
	// Tool failures are successful responses with isError=true, never
	// protocol errors.
	result := h.dispatcher.Dispatch(ctx, sessionID, p.Name, p.Arguments)
	return okResponse(id, result)
}

func (h *Handler) handleResourcesRead(ctx context.Context, id json.RawMessage, params json.RawMessage) *Response {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(id, CodeInvalidParams, "Invalid params", err.Error())
	}
	if p.URI == "" {
		return errResponse(id, CodeInvalidParams, "Invalid params: uri is required", nil)
	}
	mime, text, err := h.dispatcher.ReadResource(ctx, p.URI)
	if err != nil {
		if room.KindOf(err) == room.KindValidation {
			return errResponse(id, CodeInvalidParams, err.Error(), nil)
		}
		return errResponse(id, CodeInternal, err.Error(), nil)
	}
	return okResponse(id, map[string]any{
		"contents": []map[string]any{
			{"uri": p.URI, "mimeType": mime, "text": text},
		},
	})
}

// normalizeID validates the JSON-RPC id: string, number, null, or absent.
// Objects and arrays are disallowed.
func normalizeID(id json.RawMessage) (json.RawMessage, bool) {
	if id == nil {
		return nullID, true
	}
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return nullID, false
	}
	switch trimmed[0] {
	case '{', '[':
		return nullID, false
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nullID, false
	}
	return trimmed, true
}

func okResponse(id json.RawMessage, result any) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Result: result}
}

func errResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}
