package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(t *testing.T, d Dispatcher, raw string, call Call) *Response {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(raw), &call.Request))
	return d.Dispatch(context.Background(), call)
}

func TestToolDispatcher_Handshake(t *testing.T) {
	d := NewToolDispatcher("mcp-gateway", "1.2.3")

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":"a","method":"initialize","params":{}}`, Call{})
	require.NotNil(t, resp)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"id": "a",
		"result": {
			"protocolVersion": "2024-11-05",
			"capabilities": {"tools": {}},
			"serverInfo": {"name": "mcp-gateway", "version": "1.2.3"}
		}
	}`, string(data))
}

func TestToolDispatcher_MethodNotFound(t *testing.T) {
	d := NewToolDispatcher("mcp-gateway", "test")

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`, Call{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "resources/list")
}

func TestToolDispatcher_Tools(t *testing.T) {
	d := NewToolDispatcher("mcp-gateway", "test")
	d.RegisterTool("echo", "Echo the message argument.", nil, func(_ context.Context, call Call, args json.RawMessage) (string, error) {
		var in struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", err
		}
		return call.UserID + ": " + in.Message, nil
	})
	d.RegisterTool("fail", "Always fails.", nil, func(context.Context, Call, json.RawMessage) (string, error) {
		return "", errors.New("boom")
	})

	list := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, Call{})
	require.Nil(t, list.Error)
	tools := list.Result.(map[string]any)["tools"].([]Tool)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)

	ok := dispatch(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`, Call{UserID: "alice"})
	require.Nil(t, ok.Error)
	assert.Equal(t, ToolResult{Content: []TextContent{{Type: "text", Text: "alice: hi"}}}, ok.Result)
	assert.True(t, toolSucceeded(ok))

	failed := dispatch(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"fail"}}`, Call{})
	require.Nil(t, failed.Error)
	assert.True(t, failed.Result.(ToolResult).IsError)
	assert.False(t, toolSucceeded(failed))

	missing := dispatch(t, d, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`, Call{})
	require.NotNil(t, missing.Error)
	assert.Equal(t, CodeInvalidParams, missing.Error.Code)
}

func TestBrowserStatusTool_Disconnected(t *testing.T) {
	d := NewToolDispatcher("mcp-gateway", "test")
	RegisterBrowserTools(d)

	resp := dispatch(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"browser_status"}}`,
		Call{Handle: &stubHandle{connected: false}})
	require.Nil(t, resp.Error)
	result := resp.Result.(ToolResult)
	assert.True(t, result.IsError)
	assert.Equal(t, ErrBrowserDisconnected.Error(), result.Content[0].Text)
}

func TestErrorResponse_NullID(t *testing.T) {
	data, err := json.Marshal(errorResponse(nil, CodeParseError, "Parse error"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(data))
}
