// Package mcp serves prism's generation and reporting tools over the Model
// Context Protocol (JSON-RPC 2.0 on stdio).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/engine"
)

// Server is a line-delimited JSON-RPC server over an Engine.
type Server struct {
	engine  *engine.Engine
	version string
	log     *zap.Logger
}

// New creates a Server.
func New(e *engine.Engine, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: e, version: version, log: log}
}

// Run reads requests from r line by line and writes responses to w. It
// returns when r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != jsonrpcVersion {
			s.write(w, errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be 2.0"))
			continue
		}

		if resp := s.handle(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	s.log.Debug("mcp request", zap.String("method", req.Method))
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "prism", Version: s.version},
		})
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	t, ok := toolByName(params.Name)
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	s.log.Info("tool call", zap.String("tool", params.Name))
	return resultResponse(req.ID, t.handler(ctx, s, params.Arguments))
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("mcp marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Error("mcp write failed", zap.Error(err))
	}
}
