package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/tools"
)

func newTestServer(call domain.CallContext) *Server {
	log := logging.New(nil, "silent")
	reg := tools.NewRegistry()
	for _, t := range tools.Builtins(nil) {
		if t.Name() == tools.ToolTransferToHuman {
			reg.Register(t)
		}
	}
	return New(tools.NewDispatcher(reg, log, nil), call, "test", log)
}

// exchange feeds lines to the server and returns the decoded responses.
func exchange(t *testing.T, s *Server, lines ...string) []response {
	t.Helper()
	var out strings.Builder
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out))

	var resps []response
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	for sc.Scan() {
		var r response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		resps = append(resps, r)
	}
	return resps
}

func resultAs[T any](t *testing.T, r response) T {
	t.Helper()
	data, err := json.Marshal(r.Result)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestInitializeAndList(t *testing.T) {
	s := newTestServer(domain.CallContext{CallID: "call-1"})
	resps := exchange(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, resps, 2)

	hello := resultAs[initializeResult](t, resps[0])
	assert.Equal(t, ProtocolVersion, hello.ProtocolVersion)
	assert.Equal(t, "callrelay-tools", hello.ServerInfo.Name)

	list := resultAs[struct {
		Tools []Tool `json:"tools"`
	}](t, resps[1])
	require.Len(t, list.Tools, 1)
	assert.Equal(t, tools.ToolTransferToHuman, list.Tools[0].Name)
	assert.Contains(t, string(list.Tools[0].InputSchema), "extension")
	assert.JSONEq(t, "2", string(resps[1].ID))
}

func TestCallTool(t *testing.T) {
	s := newTestServer(domain.CallContext{CallID: "call-1"})
	resps := exchange(t, s,
		`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"transfer_to_human","arguments":{"extension":"201","reason":"billing"}}}`,
		`{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"transfer_to_human","arguments":{"extension":"201","bogus":1}}}`,
		`{"jsonrpc":"2.0","id":"c","method":"tools/call","params":{"name":"no_such_tool"}}`,
	)
	require.Len(t, resps, 3)

	ok := resultAs[ToolResult](t, resps[0])
	assert.False(t, ok.IsError)
	require.Len(t, ok.Content, 1)
	assert.JSONEq(t, `{"action":"transfer","extension":"201","reason":"billing"}`, ok.Content[0].Text)

	invalid := resultAs[ToolResult](t, resps[1])
	assert.True(t, invalid.IsError)
	assert.Contains(t, invalid.Content[0].Text, "bogus")

	unknown := resultAs[ToolResult](t, resps[2])
	assert.True(t, unknown.IsError)
	assert.Contains(t, unknown.Content[0].Text, "unknown tool")
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(domain.CallContext{})
	resps := exchange(t, s,
		`not json`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`,
	)
	require.Len(t, resps, 3)

	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeParseError, resps[0].Error.Code)
	assert.JSONEq(t, "null", string(resps[0].ID))

	require.NotNil(t, resps[1].Error)
	assert.Equal(t, codeMethodNotFound, resps[1].Error.Code)

	require.NotNil(t, resps[2].Error)
	assert.Equal(t, codeInvalidParams, resps[2].Error.Code)
}

func TestGeneratedCallID(t *testing.T) {
	s := newTestServer(domain.CallContext{TenantID: "tenant-a"})
	assert.True(t, strings.HasPrefix(s.call.CallID, "mcp-"))
	assert.Equal(t, "tenant-a", s.call.TenantID)
}
