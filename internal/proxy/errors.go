package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/gateway"
	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/logger"
	"github.com/vnmchuo/quota-gateway/internal/policy"
	"github.com/vnmchuo/quota-gateway/internal/provider"
	"github.com/vnmchuo/quota-gateway/internal/tokencount"
)

// statusClientClosedRequest is logged when the caller hung up first.
const statusClientClosedRequest = 499

type quotaErrorBody struct {
	Error     string      `json:"error"`
	Kind      policy.Kind `json:"kind"`
	Used      int64       `json:"used"`
	Requested int64       `json:"requested"`
	Limit     int64       `json:"limit"`
}

type sentinelStatus struct {
	err    error
	status int
	msg    string
}

// Order matters: a provider failure is joined with any settlement error.
var sentinels = []sentinelStatus{
	{gateway.ErrProvider, http.StatusBadGateway, ""},
	{provider.ErrNoProvider, http.StatusServiceUnavailable, "no provider available for model"},
	{ledger.ErrNotFound, http.StatusNotFound, "tenant not found"},
	{tokencount.ErrUnavailable, http.StatusServiceUnavailable, "token counter unavailable"},
	{ledger.ErrUnavailable, http.StatusServiceUnavailable, "quota ledger unavailable"},
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context(), h.log)

	var qe *policy.QuotaExceededError
	if errors.As(err, &qe) {
		writeJSON(w, http.StatusTooManyRequests, quotaErrorBody{
			Error:     qe.Error(),
			Kind:      qe.Kind,
			Used:      qe.Used,
			Requested: qe.Requested,
			Limit:     qe.Limit,
		})
		return
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Debug("client went away", zap.Error(err))
		w.WriteHeader(statusClientClosedRequest)
		return
	}

	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			msg := s.msg
			if msg == "" {
				msg = err.Error()
			}
			log.Warn("request failed", zap.Int("status", s.status), zap.Error(err))
			writeError(w, s.status, msg)
			return
		}
	}

	log.Error("unhandled error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
