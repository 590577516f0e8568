package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/auth"
	"github.com/vnmchuo/quota-gateway/internal/billing"
	"github.com/vnmchuo/quota-gateway/internal/gateway"
	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/logger"
	"github.com/vnmchuo/quota-gateway/internal/policy"
	"github.com/vnmchuo/quota-gateway/internal/provider"
	"github.com/vnmchuo/quota-gateway/pkg/ratelimit"
)

type Handler struct {
	gateway    *gateway.Gateway
	ledger     ledger.Ledger
	billing    billing.Store
	limiter    *ratelimit.Limiter
	adminToken string
	log        *zap.Logger
}

// NewHandler builds the HTTP surface. A nil limiter disables throttling and
// an empty adminToken disables the admin routes.
func NewHandler(gw *gateway.Gateway, l ledger.Ledger, b billing.Store, limiter *ratelimit.Limiter, adminToken string, log *zap.Logger) *Handler {
	return &Handler{
		gateway:    gw,
		ledger:     l,
		billing:    b,
		limiter:    limiter,
		adminToken: adminToken,
		log:        log,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	TopK        int       `json:"top_k"`
	Stream      bool      `json:"stream"`
}

func (c *completionRequest) toProvider(tenantID, requestID string) *provider.Request {
	req := &provider.Request{
		Model:       c.Model,
		Prompt:      c.Prompt,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		TopK:        c.TopK,
		Stream:      c.Stream,
		TenantID:    tenantID,
		RequestID:   requestID,
	}
	for _, m := range c.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		req.Messages = append(req.Messages, provider.Message{Role: role, Content: m.Content})
	}
	return req
}

type choice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type usageBody struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type billingBody struct {
	Status          policy.Status `json:"status"`
	Estimated       bool          `json:"estimated"`
	OutputOverLimit bool          `json:"output_over_limit"`
	Error           string        `json:"error,omitempty"`
}

type completionResponse struct {
	ID        string      `json:"id"`
	RequestID string      `json:"request_id"`
	Object    string      `json:"object"`
	Model     string      `json:"model"`
	Provider  string      `json:"provider"`
	Text      string      `json:"text"`
	State     string      `json:"state"`
	Choices   []choice    `json:"choices"`
	Usage     usageBody   `json:"usage"`
	Billing   billingBody `json:"billing"`
}

func billingOf(res *gateway.Result, err error) billingBody {
	b := billingBody{Status: policy.StatusFailed, Estimated: res.Estimated}
	if s := res.Settlement; s != nil {
		b.Status = s.Status
		b.OutputOverLimit = s.OutputOverLimit
	}
	if err != nil {
		b.Error = err.Error()
	}
	return b
}

// HandleComplete serves POST /v1/completions, as JSON or as server-sent
// events when the body sets "stream": true.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := logger.FromContext(ctx, h.log).With(
		zap.String("tenant_id", tenantID),
		zap.String("request_id", requestID),
	)
	ctx = logger.ContextWithLogger(ctx, log)
	r = r.WithContext(ctx)

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Prompt == "" && len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "prompt or messages is required")
		return
	}

	decision, err := h.limiter.Allow(ctx, tenantID, body.MaxTokens)
	if err != nil {
		log.Warn("rate limiter unavailable, rejecting", zap.Error(err))
	}
	if err != nil || !decision.Allowed {
		retry := strconv.Itoa(int(decision.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", retry)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": retry,
		})
		return
	}

	req := body.toProvider(tenantID, requestID)
	if body.Stream {
		h.stream(w, r, req)
		return
	}

	res, err := h.gateway.Complete(ctx, req)
	if err != nil && (res == nil || errors.Is(err, gateway.ErrProvider)) {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:        res.ID,
		RequestID: res.RequestID,
		Object:    "text_completion",
		Model:     res.Model,
		Provider:  res.Provider,
		Text:      res.Text,
		State:     res.State.String(),
		Choices:   []choice{{Index: 0, Text: res.Text, FinishReason: res.FinishReason}},
		Usage: usageBody{
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			TotalTokens:      res.InputTokens + res.OutputTokens,
		},
		Billing: billingOf(res, err),
	})
}

type deltaEvent struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta_text"`
}

type doneEvent struct {
	RequestID    string      `json:"request_id"`
	State        string      `json:"state"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	Billing      billingBody `json:"billing"`
	Error        string      `json:"error,omitempty"`
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req *provider.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	call, err := h.gateway.Stream(ctx, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Write failures mean the client left; the request context is cancelled
	// and the session stops on its own, so keep draining.
	for u := range call.Updates() {
		_ = writeEvent(w, "", deltaEvent{Seq: u.Seq, Delta: u.Delta})
		flusher.Flush()
	}

	res, err := call.Finish()
	if ctx.Err() != nil {
		return
	}
	done := doneEvent{
		RequestID:    res.RequestID,
		State:        res.State.String(),
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Billing:      billingOf(res, err),
	}
	if res.Err != nil {
		done.Error = res.Err.Error()
	}
	_ = writeEvent(w, "done", done)
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// HandleUsage serves GET /v1/usage: the tenant's ledger counters plus the
// usage log for a window (default: last 30 days).
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from, to := now.AddDate(0, 0, -30), now
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	snap, err := h.ledger.Get(ctx, tenantID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*billing.UsageLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"quota":          snap,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

// HandleReset serves POST /v1/admin/tenants/{tenantID}/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	token := r.Header.Get("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tenantID := chi.URLParam(r, "tenantID")
	if err := h.ledger.Reset(r.Context(), tenantID); err != nil {
		h.handleError(w, r, err)
		return
	}
	logger.FromContext(r.Context(), h.log).Info("tenant quota reset", zap.String("tenant_id", tenantID))

	snap, err := h.ledger.Get(r.Context(), tenantID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
