// Package transport exposes the host over HTTP as a small JSON-RPC surface:
// tools/list, tools/call, prompts/list, and prompts/get, plus health and
// Prometheus metrics endpoints.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ensembleworks/ensemble/pkg/auth"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/host"
)

// JSON-RPC 2.0 types and error codes.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Server-defined codes carrying the fault taxonomy.
	CodeNotFound     = -32001
	CodeUnauthorized = -32002
	CodeForbidden    = -32003
	CodeRateLimited  = -32004
	CodeTimeout      = -32005
	CodeUnavailable  = -32006
	CodeRemote       = -32007
)

// codeForKind maps a fault kind onto a JSON-RPC error code.
func codeForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return InvalidParams
	case fault.KindNotFound:
		return CodeNotFound
	case fault.KindUnauthorized:
		return CodeUnauthorized
	case fault.KindForbidden:
		return CodeForbidden
	case fault.KindRateLimited:
		return CodeRateLimited
	case fault.KindTimeout:
		return CodeTimeout
	case fault.KindUnavailable:
		return CodeUnavailable
	case fault.KindRemote, fault.KindNetwork, fault.KindTransport:
		return CodeRemote
	default:
		return InternalError
	}
}

// Server is the inbound HTTP server.
type Server struct {
	host    *host.Host
	cfg     config.ListenConfig
	handler http.Handler
	srv     *http.Server
}

// NewServer builds the router. A nil validator disables authentication and
// every request runs as the default developer caller.
func NewServer(h *host.Host, cfg config.ListenConfig, validator *auth.Validator) *Server {
	s := &Server{host: h, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(validator))
		r.Post("/rpc", s.handleRPC)
	})

	s.handler = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("RPC server listening", "address", s.cfg.Address())
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type getPromptParams struct {
	Server    string            `json:"server"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ParseError, Message: "malformed JSON-RPC request"},
		})
		return
	}

	ctx := r.Context()
	caller := auth.CallerFrom(ctx)
	sessionID := r.Header.Get("x-session-id")
	instanceID := r.Header.Get("x-instance-id")

	var result any
	var err error

	switch req.Method {
	case "tools/list":
		result = map[string]any{
			"tools": s.host.ListTools(ctx, sessionID, caller),
		}

	case "tools/call":
		var params callParams
		if perr := json.Unmarshal(req.Params, &params); perr != nil || params.Name == "" {
			writeResponse(w, JSONRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &RPCError{Code: InvalidParams, Message: "tools/call requires a name"},
			})
			return
		}
		result, err = s.host.CallTool(ctx, host.CallRequest{
			Name:       params.Name,
			Args:       params.Arguments,
			SessionID:  sessionID,
			Caller:     caller,
			InstanceID: instanceID,
		})

	case "prompts/list":
		result = map[string]any{
			"prompts": s.host.ListPrompts(ctx),
		}

	case "prompts/get":
		var params getPromptParams
		if perr := json.Unmarshal(req.Params, &params); perr != nil || params.Name == "" {
			writeResponse(w, JSONRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &RPCError{Code: InvalidParams, Message: "prompts/get requires a name"},
			})
			return
		}
		result, err = s.host.GetPrompt(ctx, params.Server, params.Name, params.Arguments)

	default:
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &RPCError{Code: MethodNotFound, Message: "unknown method " + req.Method},
		})
		return
	}

	if err != nil {
		classified := fault.Classify(err)
		writeResponse(w, JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &RPCError{
				Code:    codeForKind(classified.Kind),
				Message: classified.Message,
				Data:    classified.Details,
			},
		})
		return
	}

	writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeResponse(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write RPC response", "error", err)
	}
}
