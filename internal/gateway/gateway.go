// Package gateway runs one completion request end to end: admission, the
// provider call, output counting and the single ledger commit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/billing"
	"github.com/vnmchuo/quota-gateway/internal/policy"
	"github.com/vnmchuo/quota-gateway/internal/provider"
	"github.com/vnmchuo/quota-gateway/internal/stream"
	"github.com/vnmchuo/quota-gateway/internal/tokencount"
)

// ErrProvider wraps failures reported by the completion provider after the
// request was admitted. The usage is still committed.
var ErrProvider = errors.New("provider error")

type Deps struct {
	Router      *provider.Router
	Policy      *policy.Policy
	Accumulator *stream.Accumulator
	Counter     tokencount.Counter
	CountRetry  tokencount.RetryConfig
	Billing     billing.Store
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

type Gateway struct {
	router     *provider.Router
	policy     *policy.Policy
	acc        *stream.Accumulator
	counter    tokencount.Counter
	countRetry tokencount.RetryConfig
	billing    billing.Store
	tracer     trace.Tracer
	log        *zap.Logger
}

func New(d Deps) *Gateway {
	return &Gateway{
		router:     d.Router,
		policy:     d.Policy,
		acc:        d.Accumulator,
		counter:    d.Counter,
		countRetry: d.CountRetry,
		billing:    d.Billing,
		tracer:     d.Tracer,
		log:        d.Logger,
	}
}

// Result is what the caller is told once a request is settled.
type Result struct {
	ID           string
	RequestID    string
	Provider     string
	Model        string
	Text         string
	FinishReason string
	State        stream.State
	InputTokens  int64
	OutputTokens int64
	Estimated    bool
	Settlement   *policy.Settlement
	LatencyMs    int64
	// Err is the provider or stream failure, if any.
	Err error
}

// Complete serves a non-streaming request.
func (g *Gateway) Complete(ctx context.Context, req *provider.Request) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.complete")
	defer span.End()

	p, adm, err := g.admit(ctx, req)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	log := g.log.With(
		zap.String("tenant_id", adm.TenantID),
		zap.String("request_id", adm.RequestID),
		zap.String("provider", p.Name()),
	)

	start := time.Now()
	res := &Result{
		RequestID:   adm.RequestID,
		Provider:    p.Name(),
		Model:       req.Model,
		InputTokens: adm.InputTokens,
	}
	resp, execErr := g.router.Execute(ctx, req, p)
	res.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case execErr == nil:
		res.ID = resp.ID
		res.Text = resp.Content
		res.FinishReason = resp.FinishReason
		res.State = stream.Completed
		if resp.Model != "" {
			res.Model = resp.Model
		}
		n, estimated := tokencount.CountOrEstimate(context.WithoutCancel(ctx), g.counter, resp.Content, g.countRetry, log)
		res.OutputTokens = int64(n)
		res.Estimated = estimated
	case ctx.Err() != nil:
		res.State = stream.Aborted
		res.Err = context.Cause(ctx)
	case isTimeout(execErr):
		res.State = stream.Aborted
		res.Err = execErr
	default:
		res.State = stream.Errored
		res.Err = execErr
	}

	settleErr := g.settle(ctx, p, adm, res, log)
	if res.Err != nil {
		recordErr(span, res.Err)
		return res, errors.Join(fmt.Errorf("%w: %w", ErrProvider, res.Err), settleErr)
	}
	if settleErr != nil {
		recordErr(span, settleErr)
	}
	return res, settleErr
}

// StreamCall is an in-flight streaming request. The commit happens in the
// background once the provider stream ends. Updates must be drained, ctx
// cancelled or Finish called, otherwise the stream stalls on a full buffer.
type StreamCall struct {
	RequestID   string
	Provider    string
	InputTokens int64

	session *stream.Session
	done    chan struct{}
	result  *Result
	err     error
}

func (c *StreamCall) Updates() <-chan stream.PartialUpdate { return c.session.Updates() }

// Finish discards any updates not yet read and blocks until usage is settled.
func (c *StreamCall) Finish() (*Result, error) {
	for range c.session.Updates() {
	}
	<-c.done
	return c.result, c.err
}

// Stream serves a streaming request. Cancelling ctx stops updates; the text
// received so far is still counted and committed.
func (g *Gateway) Stream(ctx context.Context, req *provider.Request) (*StreamCall, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.stream")

	p, adm, err := g.admit(ctx, req)
	if err != nil {
		recordErr(span, err)
		span.End()
		return nil, err
	}
	log := g.log.With(
		zap.String("tenant_id", adm.TenantID),
		zap.String("request_id", adm.RequestID),
		zap.String("provider", p.Name()),
	)

	start := time.Now()
	src, openErr := g.router.ExecuteStream(ctx, req, p)
	if openErr != nil {
		res := &Result{
			RequestID:   adm.RequestID,
			Provider:    p.Name(),
			Model:       req.Model,
			InputTokens: adm.InputTokens,
			State:       stream.Errored,
			Err:         openErr,
			LatencyMs:   time.Since(start).Milliseconds(),
		}
		if ctx.Err() != nil || isTimeout(openErr) {
			res.State = stream.Aborted
		}
		settleErr := g.settle(ctx, p, adm, res, log)
		recordErr(span, openErr)
		span.End()
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrProvider, openErr), settleErr)
	}

	call := &StreamCall{
		RequestID:   adm.RequestID,
		Provider:    p.Name(),
		InputTokens: adm.InputTokens,
		session:     g.acc.Consume(ctx, src),
		done:        make(chan struct{}),
	}
	go func() {
		defer close(call.done)
		defer span.End()

		final := call.session.Wait()
		res := &Result{
			RequestID:    adm.RequestID,
			Provider:     p.Name(),
			Model:        req.Model,
			Text:         final.Text,
			State:        final.State,
			InputTokens:  adm.InputTokens,
			OutputTokens: int64(final.OutputTokens),
			Estimated:    final.Estimated,
			LatencyMs:    time.Since(start).Milliseconds(),
			Err:          final.Err,
		}
		if src.Model != "" {
			res.Model = src.Model
		}
		span.SetAttributes(
			attribute.String("stream.state", final.State.String()),
			attribute.Int("stream.chunks", final.Chunks),
			attribute.Int("stream.malformed", final.Malformed),
		)

		// Only failures on the provider side count against its breaker.
		if final.Cancelled {
			g.router.Observe(p, nil)
		} else {
			g.router.Observe(p, final.Err)
		}

		call.result = res
		call.err = g.settle(ctx, p, adm, res, log)
		if call.err != nil {
			recordErr(span, call.err)
		}
	}()
	return call, nil
}

// admit routes before admission so that "no provider" never costs tokens.
func (g *Gateway) admit(ctx context.Context, req *provider.Request) (provider.Provider, *policy.Admission, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("model", req.Model),
	)

	p, err := g.router.Route(ctx, req)
	if err != nil {
		recordErr(span, err)
		return nil, nil, err
	}
	adm, err := g.policy.Admit(ctx, req.TenantID, req.RequestID, req.InputText())
	if err != nil {
		recordErr(span, err)
		return nil, nil, err
	}
	req.RequestID = adm.RequestID
	span.SetAttributes(
		attribute.String("request_id", adm.RequestID),
		attribute.Int64("input_tokens", adm.InputTokens),
	)
	return p, adm, nil
}

// settle commits the usage in res and appends the usage log row. It runs on
// a context detached from the caller's cancellation.
func (g *Gateway) settle(ctx context.Context, p provider.Provider, adm *policy.Admission, res *Result, log *zap.Logger) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := g.tracer.Start(ctx, "gateway.commit")
	defer span.End()

	settlement, err := g.policy.Commit(ctx, adm, int(res.OutputTokens), res.Estimated)
	res.Settlement = settlement
	if err != nil {
		recordErr(span, err)
	}

	entry := &billing.UsageLog{
		TenantID:     adm.TenantID,
		RequestID:    adm.RequestID,
		Provider:     p.Name(),
		Model:        res.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		State:        res.State.String(),
		StatusCode:   statusCode(res),
		Estimated:    res.Estimated,
		CostUSD:      billing.Cost(res.InputTokens, res.OutputTokens, p.CostPerInputToken(), p.CostPerOutputToken()),
		LatencyMs:    res.LatencyMs,
	}
	if settlement != nil {
		entry.Reconciliation = settlement.NeedsReconciliation()
	}
	if logErr := g.billing.LogUsage(ctx, entry); logErr != nil {
		log.Error("failed to write usage log", zap.Error(logErr))
	}

	log.Info("request settled",
		zap.Stringer("state", res.State),
		zap.Int64("input_tokens", res.InputTokens),
		zap.Int64("output_tokens", res.OutputTokens),
		zap.Bool("estimated", res.Estimated),
		zap.Int64("latency_ms", res.LatencyMs),
		zap.NamedError("provider_error", res.Err),
		zap.NamedError("commit_error", err),
	)
	return err
}

// statusCode is the outcome recorded in the usage log.
func statusCode(res *Result) int {
	switch res.State {
	case stream.Completed:
		return 200
	case stream.Aborted:
		if errors.Is(res.Err, context.Canceled) {
			return 499
		}
		return 504
	default:
		return 502
	}
}

// isTimeout reports a provider that did not answer in time. It is billed
// like a cancelled request.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
