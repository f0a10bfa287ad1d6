package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	x402gate "github.com/becomeliminal/x402-gate"
)

// PaymentHandler wraps an MCP HTTP handler and enforces x402 payments on
// tools/call requests for tools with a pricing policy. All other traffic
// passes through untouched.
type PaymentHandler struct {
	mcpHandler http.Handler
	gate       *x402gate.Gate
	pricing    map[string]x402gate.Pricer
	logger     *slog.Logger
}

// NewPaymentHandler creates a payment-gating wrapper around an MCP HTTP
// handler. pricing maps tool names to their pricing policies; tools not in
// the map are free.
func NewPaymentHandler(mcpHandler http.Handler, cfg x402gate.Config, pricing map[string]x402gate.Pricer) (*PaymentHandler, error) {
	gate, err := cfg.NewGate()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if pricing == nil {
		pricing = make(map[string]x402gate.Pricer)
	}
	return &PaymentHandler{
		mcpHandler: mcpHandler,
		gate:       gate,
		pricing:    pricing,
		logger:     logger,
	}, nil
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   interface{}     `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// toolResult carries the recorded downstream response through the gate's
// protected operation.
type toolResult struct {
	header http.Header
	status int
	body   []byte

	resp   jsonrpcResponse
	parsed bool
}

// ServeHTTP intercepts tools/call requests to enforce payment.
func (h *PaymentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only JSON-RPC calls carry payments.
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var req jsonrpcRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.writeError(w, nil, -32700, "Parse error", nil)
		return
	}

	if req.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var toolParams struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &toolParams); err != nil {
		h.writeError(w, req.ID, -32602, "Invalid params", nil)
		return
	}

	pricer, needsPayment := h.pricing[toolParams.Name]
	if !needsPayment {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	logger := h.logger.With("requestID", req.ID, "tool", toolParams.Name)

	call := &x402gate.Call{
		Resource: ToolResource(toolParams.Name),
		Method:   req.Method,
		Payment:  extractPayment(req.Params),
	}

	outcome := h.gate.Process(r.Context(), call, pricer, func(opCtx context.Context) (interface{}, error) {
		return h.forwardToolCall(opCtx, r, bodyBytes)
	})

	if outcome.Challenge != nil {
		logger.InfoContext(r.Context(), "tool call rejected", "error", outcome.Challenge.Body.Error)
		h.writeChallenge(w, req.ID, outcome.Challenge)
		return
	}

	res, ok := outcome.Result.(*toolResult)
	if !ok {
		h.writeError(w, req.ID, -32603, "Internal error", nil)
		return
	}

	// Execution failures and unparseable responses are forwarded untouched;
	// settlement was skipped for them upstream.
	if outcome.OperationErr != nil || !res.parsed || outcome.Settlement == nil {
		h.forward(w, res, res.body)
		return
	}

	h.forward(w, res, injectSettlement(res, outcome.Settlement, logger))
}

// forwardToolCall replays the recorded request against the MCP handler and
// parses the JSON-RPC response. A JSON-RPC error is an operation failure:
// the payment must not settle for a tool call that did not succeed.
func (h *PaymentHandler) forwardToolCall(ctx context.Context, r *http.Request, body []byte) (*toolResult, error) {
	rec := &responseRecorder{headerMap: make(http.Header), statusCode: http.StatusOK}

	req := r.Clone(ctx)
	req.Body = io.NopCloser(bytes.NewReader(body))
	h.mcpHandler.ServeHTTP(rec, req)

	res := &toolResult{
		header: rec.headerMap,
		status: rec.statusCode,
		body:   rec.body.Bytes(),
	}
	if err := json.Unmarshal(res.body, &res.resp); err == nil {
		res.parsed = true
	}

	if res.parsed && res.resp.Error != nil {
		return res, fmt.Errorf("tool execution failed")
	}
	return res, nil
}

// injectSettlement adds the settlement evidence to result._meta and
// re-marshals the response. On any marshaling trouble the original body is
// returned; the payment already settled, so the result must go out.
func injectSettlement(res *toolResult, settlement *x402gate.SettleResponse, logger *slog.Logger) []byte {
	if res.resp.Result == nil {
		return res.body
	}

	var result map[string]interface{}
	if err := json.Unmarshal(res.resp.Result, &result); err != nil {
		logger.Warn("failed to decode tool result, settlement evidence not attached", "error", err)
		return res.body
	}

	meta, ok := result["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta["x402/payment-response"] = settlement
	result["_meta"] = meta

	modified, err := json.Marshal(result)
	if err != nil {
		return res.body
	}
	resp := res.resp
	resp.Result = modified

	out, err := json.Marshal(resp)
	if err != nil {
		return res.body
	}
	return out
}

func (h *PaymentHandler) forward(w http.ResponseWriter, res *toolResult, body []byte) {
	for k, v := range res.header {
		w.Header()[k] = v
	}
	w.WriteHeader(res.status)
	_, _ = w.Write(body)
}

// writeChallenge renders a payment challenge as a JSON-RPC error. Payment
// challenges use code 402 with the challenge body as error data; upstream
// outages map to the JSON-RPC internal error code.
func (h *PaymentHandler) writeChallenge(w http.ResponseWriter, id interface{}, ch *x402gate.Challenge) {
	code := 402
	if ch.Status != http.StatusPaymentRequired {
		code = -32603
	}
	h.writeError(w, id, code, ch.Body.Error, ch.Body)
}

// writeError writes a JSON-RPC error response. JSON-RPC errors ride on
// HTTP 200.
func (h *PaymentHandler) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	})
}

// extractPayment pulls the pre-decoded payment payload out of
// params._meta["x402/payment"]. Returns nil when absent or malformed; the
// gate reports missing payment with a proper challenge.
func extractPayment(params json.RawMessage) *x402gate.PaymentPayload {
	var parsed struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(params, &parsed); err != nil {
		return nil
	}
	raw, ok := parsed.Meta["x402/payment"]
	if !ok {
		return nil
	}

	var payment x402gate.PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil
	}
	if payment.Scheme == "" || payment.Network == "" {
		return nil
	}
	return &payment
}

// responseRecorder records the downstream handler's response for
// inspection before release.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}
