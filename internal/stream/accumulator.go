// Package stream turns a provider's line-oriented response body into
// incremental text updates and a final, counted result.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/logger"
	"github.com/vnmchuo/quota-gateway/internal/provider"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
	"github.com/vnmchuo/quota-gateway/internal/tokencount"
)

var (
	ErrMalformedChunk = provider.ErrMalformedChunk
	// ErrTruncated means the connection closed before the terminal marker.
	ErrTruncated = errors.New("stream closed without terminal marker")
)

type State int

const (
	Open State = iota
	Completed
	Aborted
	Errored
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Errored:
		return "errored"
	default:
		return "open"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PartialUpdate carries only the text appended since the previous update.
type PartialUpdate struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta_text"`
}

type FinalResult struct {
	Text  string
	State State
	// OutputTokens is counted on Text as a whole, never summed per chunk.
	OutputTokens int
	// Estimated is set when the counter was unreachable and the byte
	// estimate was billed instead.
	Estimated bool
	Chunks    int
	Malformed int
	// Cancelled is set when the caller went away before the terminal marker.
	Cancelled bool
	Err       error
}

type Accumulator struct {
	counter tokencount.Counter
	retry   tokencount.RetryConfig
	log     *zap.Logger
	buffer  int
}

type Option func(*Accumulator)

// WithUpdateBuffer sets how many updates may queue before the reader waits
// for the caller (default 16).
func WithUpdateBuffer(n int) Option {
	return func(a *Accumulator) { a.buffer = n }
}

func NewAccumulator(counter tokencount.Counter, retry tokencount.RetryConfig, log *zap.Logger, opts ...Option) *Accumulator {
	a := &Accumulator{
		counter: counter,
		retry:   retry,
		log:     log,
		buffer:  16,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Session is the state of one streaming request. It is owned by the
// goroutine started in Consume until Wait returns.
type Session struct {
	updates chan PartialUpdate
	done    chan struct{}
	result  FinalResult

	text strings.Builder
	seq  int
}

// Updates yields partial updates and is closed once reading stops. Callers
// must drain it or cancel the context passed to Consume.
func (s *Session) Updates() <-chan PartialUpdate { return s.updates }

// Wait blocks until the final token count is known.
func (s *Session) Wait() FinalResult {
	<-s.done
	return s.result
}

// Consume starts reading src.Body and returns immediately. Cancelling ctx
// closes the body and stops updates, but the text read so far is still
// counted and reported through Wait.
func (a *Accumulator) Consume(ctx context.Context, src *provider.Stream) *Session {
	s := &Session{
		updates: make(chan PartialUpdate, a.buffer),
		done:    make(chan struct{}),
	}
	go a.run(ctx, src, s)
	return s
}

func (a *Accumulator) run(ctx context.Context, src *provider.Stream, s *Session) {
	defer close(s.done)
	log := logger.FromContext(ctx, a.log).With(zap.String("provider", src.Provider))

	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { _ = src.Body.Close() }) }
	stop := context.AfterFunc(ctx, closeBody)

	res := a.read(ctx, src, s, log)
	stop()
	closeBody()
	close(s.updates)

	if ctx.Err() != nil && res.State != Completed && res.State != Errored {
		res.State = Aborted
		res.Cancelled = true
		res.Err = context.Cause(ctx)
	}

	res.Text = s.text.String()
	res.Chunks = s.seq
	res.OutputTokens, res.Estimated = tokencount.CountOrEstimate(context.WithoutCancel(ctx), a.counter, res.Text, a.retry, log)
	if res.Estimated {
		telemetry.EstimatedCountsTotal.Inc()
	}
	telemetry.StreamTerminalTotal.WithLabelValues(src.Provider, res.State.String()).Inc()

	log.Info("stream finished",
		zap.Stringer("state", res.State),
		zap.Int("chunks", res.Chunks),
		zap.Int("malformed", res.Malformed),
		zap.Int("output_tokens", res.OutputTokens),
		zap.Bool("estimated", res.Estimated),
		zap.Bool("cancelled", res.Cancelled),
		zap.Error(res.Err),
	)
	s.result = res
}

func (a *Accumulator) read(ctx context.Context, src *provider.Stream, s *Session, log *zap.Logger) FinalResult {
	var res FinalResult
	if src.Decoder == nil {
		return FinalResult{State: Errored, Err: fmt.Errorf("%s: stream has no decoder", src.Provider)}
	}
	reader := bufio.NewReader(src.Body)
	for {
		line, readErr := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			ev, err := src.Decoder.DecodeLine(line)
			switch {
			case err != nil:
				res.Malformed++
				telemetry.MalformedChunksTotal.WithLabelValues(src.Provider).Inc()
				log.Warn("skipping malformed chunk", zap.Error(err))
			case ev.Kind == provider.EventText:
				a.emit(ctx, s, ev.Text)
			case ev.Kind == provider.EventDone:
				a.emit(ctx, s, ev.Text)
				res.State = Completed
				return res
			case ev.Kind == provider.EventError:
				a.emit(ctx, s, ev.Text)
				res.State = Errored
				res.Err = ev.Err
				return res
			}
		}

		if readErr != nil {
			res.State = Aborted
			if errors.Is(readErr, io.EOF) {
				res.Err = ErrTruncated
			} else {
				res.Err = fmt.Errorf("read stream: %w", readErr)
			}
			return res
		}
	}
}

// emit appends text to the buffer and offers it to the caller. Once ctx is
// done the caller is gone and updates are dropped, but the buffer still grows.
func (a *Accumulator) emit(ctx context.Context, s *Session, text string) {
	if text == "" {
		return
	}
	s.text.WriteString(text)
	s.seq++
	if ctx.Err() != nil {
		return
	}
	select {
	case s.updates <- PartialUpdate{Seq: s.seq, Delta: text}:
	case <-ctx.Done():
	}
}
