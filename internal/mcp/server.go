// Package mcp serves the agent tool registry over newline-delimited
// JSON-RPC on stdio, so tool calls can be exercised against the backend
// without a live call.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/tools"
)

// ProtocolVersion is the tool-server protocol revision we answer with.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

const maxLine = 1024 * 1024

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Tool is one entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult is the tools/call result.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is a single piece of tool output.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	Tools map[string]any `json:"tools"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Server answers tool requests for one synthetic call scope.
type Server struct {
	dispatcher *tools.Dispatcher
	call       domain.CallContext
	version    string
	log        *logging.Logger

	mu  sync.Mutex
	out *json.Encoder
}

// New creates a server. Tool calls run under call; an empty call id gets a
// generated one so backend requests stay traceable.
func New(d *tools.Dispatcher, call domain.CallContext, version string, log *logging.Logger) *Server {
	if call.CallID == "" {
		call.CallID = "mcp-" + uuid.NewString()
	}
	return &Server{
		dispatcher: d,
		call:       call,
		version:    version,
		log:        log.Sub("mcp").ForCall(call.CallID),
	}
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx ends.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = json.NewEncoder(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	s.log.Info().Strs("tools", s.dispatcher.Registry().Names()).Msg("tool server ready")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handle(ctx, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading requests: %w", err)
	}
	s.log.Info().Msg("tool server shutting down")
	return nil
}

func (s *Server) handle(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.sendError(nil, codeParseError, "Parse error", err.Error())
		return
	}
	if req.Method == "" {
		s.sendError(req.ID, codeInvalidRequest, "Invalid request", nil)
		return
	}

	s.log.Debug().Str("method", req.Method).Msg("request")

	switch req.Method {
	case "initialize":
		s.send(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    capabilities{Tools: map[string]any{}},
			ServerInfo:      serverInfo{Name: "callrelay-tools", Version: s.version},
		})
	case "tools/list":
		s.listTools(req)
	case "tools/call":
		s.callTool(ctx, req)
	case "ping":
		s.send(req.ID, map[string]any{})
	default:
		// Notifications carry no id and get no reply.
		if len(req.ID) == 0 {
			return
		}
		s.sendError(req.ID, codeMethodNotFound, "Method not found", req.Method)
	}
}

func (s *Server) listTools(req request) {
	defs, err := s.dispatcher.Registry().Definitions()
	if err != nil {
		s.sendError(req.ID, codeInvalidRequest, "building tool list", err.Error())
		return
	}
	list := make([]Tool, 0, len(defs))
	for _, d := range defs {
		list = append(list, Tool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}
	s.send(req.ID, map[string]any{"tools": list})
}

func (s *Server) callTool(ctx context.Context, req request) {
	var p callToolParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		s.sendError(req.ID, codeInvalidParams, "Invalid params", "name is required")
		return
	}
	if len(p.Arguments) == 0 {
		p.Arguments = json.RawMessage("{}")
	}

	res := s.dispatcher.Execute(ctx, p.Name, p.Arguments, tools.Context{Call: s.call})
	s.send(req.ID, ToolResult{
		Content: []ContentItem{{Type: "text", Text: string(res.Output)}},
		IsError: res.Failed,
	})
}

func (s *Server) send(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, code int, message string, data any) {
	s.write(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}})
}

func (s *Server) write(resp response) {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.out.Encode(resp); err != nil {
		s.log.Error().Err(err).Msg("writing response failed")
	}
}
