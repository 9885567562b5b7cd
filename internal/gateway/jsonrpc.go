package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/browserpool"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/storage"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"

	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"

	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// Call is one request in the context of the session that sent it.
type Call struct {
	SessionID string
	UserID    string
	Browser   storage.BrowserRecord
	Handle    browserpool.Handle
	Request   Request
}

// Dispatcher answers MCP requests for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) *Response
}

type ToolHandler func(ctx context.Context, call Call, args json.RawMessage) (string, error)

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	handler     ToolHandler
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDispatcher implements the MCP handshake, ping and a registry of tools.
type ToolDispatcher struct {
	name    string
	version string

	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolDispatcher(name, version string) *ToolDispatcher {
	return &ToolDispatcher{
		name:    name,
		version: version,
		tools:   make(map[string]Tool),
	}
}

func (d *ToolDispatcher) RegisterTool(name, description string, schema map[string]any, handler ToolHandler) {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	d.mu.Lock()
	d.tools[name] = Tool{Name: name, Description: description, InputSchema: schema, handler: handler}
	d.mu.Unlock()
}

func (d *ToolDispatcher) Tools() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tools := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (d *ToolDispatcher) Dispatch(ctx context.Context, call Call) *Response {
	req := call.Request
	if req.IsNotification() {
		return nil
	}

	switch req.Method {
	case MethodInitialize:
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": d.name, "version": d.version},
		})
	case MethodPing:
		return resultResponse(req.ID, map[string]any{})
	case MethodToolsList:
		return resultResponse(req.ID, map[string]any{"tools": d.Tools()})
	case MethodToolsCall:
		return d.callTool(ctx, call)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (d *ToolDispatcher) callTool(ctx context.Context, call Call) *Response {
	var params toolCallParams
	if err := json.Unmarshal(call.Request.Params, &params); err != nil || params.Name == "" {
		return errorResponse(call.Request.ID, CodeInvalidParams, "tools/call requires a tool name")
	}

	d.mu.RLock()
	tool, ok := d.tools[params.Name]
	d.mu.RUnlock()
	if !ok {
		return errorResponse(call.Request.ID, CodeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	text, err := tool.handler(ctx, call, params.Arguments)
	if err != nil {
		return resultResponse(call.Request.ID, ToolResult{
			Content: []TextContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}
	return resultResponse(call.Request.ID, ToolResult{Content: []TextContent{{Type: "text", Text: text}}})
}

var ErrBrowserDisconnected = errors.New("browser is not connected")

type versioned interface {
	Version() string
}

// RegisterBrowserTools installs the tools answered from the pooled connection
// itself.
func RegisterBrowserTools(d *ToolDispatcher) {
	d.RegisterTool("browser_status", "Report whether the bound browser is connected and its version.", nil,
		func(ctx context.Context, call Call, _ json.RawMessage) (string, error) {
			if call.Handle == nil || !call.Handle.IsConnected() {
				return "", ErrBrowserDisconnected
			}
			version := "unknown"
			if v, ok := call.Handle.(versioned); ok {
				version = v.Version()
			}
			return fmt.Sprintf("connected: %s (%s)", call.Browser.BrowserURL, version), nil
		})
}
