// Package jsonrpcserver exposes functions like
// func Foo(context.Context, int) (int, error)
// as JSON-RPC 2.0 methods over HTTP POST.
//
// Single requests and batches are served. When a token is set, every request must carry it
// as "Authorization: Bearer <token>".
package jsonrpcserver

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/sandwich-searcher/metrics"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	maxRequestBodySize = 1 << 20
	maxBatchSize       = 32
)

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

type Handler struct {
	log     *zap.Logger
	methods map[string]methodHandler
	token   string
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(log *zap.Logger, methods Methods, token string) (*Handler, error) {
	m := make(map[string]methodHandler, len(methods))
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{
		log:     log.Named("rpc"),
		methods: m,
		token:   token,
	}, nil
}

func errorResponse(id any, code int, msg string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeJSON(w, errorResponse(nil, CodeParseError, err.Error()))
		return
	}
	if len(body) > maxRequestBodySize {
		writeJSON(w, errorResponse(nil, CodeInvalidRequest, "request too large"))
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, errorResponse(nil, CodeParseError, err.Error()))
			return
		}
		if len(batch) == 0 || len(batch) > maxBatchSize {
			writeJSON(w, errorResponse(nil, CodeInvalidRequest, "invalid batch size"))
			return
		}
		responses := make([]JSONRPCResponse, len(batch))
		for i, raw := range batch {
			responses[i] = h.handle(r.Context(), raw)
		}
		writeJSON(w, responses)
		return
	}

	writeJSON(w, h.handle(r.Context(), body))
}

func (h *Handler) handle(ctx context.Context, raw []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		msg := err.Error()
		if len(raw) == 0 {
			msg = io.ErrUnexpectedEOF.Error()
		}
		return errorResponse(nil, CodeParseError, msg)
	}

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version")
	}
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		return errorResponse(nil, CodeInvalidRequest, "invalid id type")
	}

	method, ok := h.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "method not found")
	}

	start := time.Now()
	result, err := method.call(ctx, req.Params)
	metrics.RecordRPCDuration(req.Method, time.Since(start).Milliseconds())
	if err != nil {
		var pErr *paramsError
		if errors.As(err, &pErr) {
			return errorResponse(req.ID, CodeInvalidParams, err.Error())
		}
		h.log.Debug("RPC method failed", zap.String("method", req.Method), zap.Error(err))
		return errorResponse(req.ID, CodeCustomError, err.Error())
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	rawMessageResult := json.RawMessage(marshaledResult)
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
}
