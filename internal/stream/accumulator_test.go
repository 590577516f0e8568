package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/quota-gateway/internal/provider"
	"github.com/vnmchuo/quota-gateway/internal/tokencount"
)

// lineDecoder understands a tiny test protocol:
//
//	t:<text>   text chunk
//	done       terminal marker
//	err:<msg>  provider error
//	anything else is malformed
type lineDecoder struct{}

func (lineDecoder) DecodeLine(line string) (provider.Event, error) {
	switch {
	case strings.HasPrefix(line, "t:"):
		return provider.Event{Kind: provider.EventText, Text: strings.TrimPrefix(line, "t:")}, nil
	case line == "done":
		return provider.Event{Kind: provider.EventDone}, nil
	case strings.HasPrefix(line, "err:"):
		return provider.Event{Kind: provider.EventError, Err: errors.New(strings.TrimPrefix(line, "err:"))}, nil
	case line == ":ping":
		return provider.Event{}, nil
	}
	return provider.Event{}, provider.Malformed("test", errors.New("unknown line"))
}

// wordCounter counts whitespace separated words and honours cancellation.
var wordCounter = tokencount.CounterFunc(func(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(strings.Fields(text)), nil
})

var downCounter = tokencount.CounterFunc(func(ctx context.Context, text string) (int, error) {
	return 0, tokencount.ErrUnavailable
})

func newAccumulator(counter tokencount.Counter) *Accumulator {
	retry := tokencount.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxElapsed: time.Second}
	return NewAccumulator(counter, retry, zap.NewNop())
}

func stringStream(body string) *provider.Stream {
	return &provider.Stream{
		Provider: "test",
		Body:     io.NopCloser(strings.NewReader(body)),
		Decoder:  lineDecoder{},
	}
}

func collect(s *Session) ([]PartialUpdate, FinalResult) {
	var updates []PartialUpdate
	for u := range s.Updates() {
		updates = append(updates, u)
	}
	return updates, s.Wait()
}

func TestConsume_Completed(t *testing.T) {
	a := newAccumulator(wordCounter)
	updates, res := collect(a.Consume(context.Background(), stringStream("t:hello \nt:big \nt:world\ndone\n")))

	require.Len(t, updates, 3)
	for i, u := range updates {
		assert.Equal(t, i+1, u.Seq)
	}
	assert.Equal(t, "world", updates[2].Delta)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "hello big world", res.Text)
	assert.Equal(t, 3, res.OutputTokens)
	assert.Equal(t, 3, res.Chunks)
	assert.False(t, res.Estimated)
	assert.NoError(t, res.Err)
}

func TestConsume_CloseWithoutTerminalMarkerIsAborted(t *testing.T) {
	a := newAccumulator(wordCounter)
	updates, res := collect(a.Consume(context.Background(), stringStream("t:one \nt:two \nt:three\n")))

	assert.Len(t, updates, 3)
	assert.Equal(t, Aborted, res.State)
	assert.ErrorIs(t, res.Err, ErrTruncated)
	assert.Equal(t, "one two three", res.Text)
	assert.Equal(t, 3, res.OutputTokens)
	assert.False(t, res.Cancelled)
}

func TestConsume_MalformedLinesAreSkipped(t *testing.T) {
	a := newAccumulator(wordCounter)
	_, res := collect(a.Consume(context.Background(), stringStream("t:a \n{garbage\n:ping\nt:b\ndone\n")))

	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "a b", res.Text)
	assert.Equal(t, 1, res.Malformed)
}

func TestConsume_ProviderErrorStillCounts(t *testing.T) {
	a := newAccumulator(wordCounter)
	_, res := collect(a.Consume(context.Background(), stringStream("t:partial text\nerr:overloaded\nt:never\n")))

	assert.Equal(t, Errored, res.State)
	assert.EqualError(t, res.Err, "overloaded")
	assert.Equal(t, "partial text", res.Text)
	assert.Equal(t, 2, res.OutputTokens)
}

func TestConsume_SeveralEventsPerReadAndCRLF(t *testing.T) {
	pr, pw := io.Pipe()
	a := newAccumulator(wordCounter)
	s := a.Consume(context.Background(), &provider.Stream{Provider: "test", Body: pr, Decoder: lineDecoder{}})

	go func() {
		_, _ = pw.Write([]byte("t:a \r\nt:b \r\nt:c"))
		_, _ = pw.Write([]byte("\r\ndone\r\n"))
		_ = pw.Close()
	}()

	updates, res := collect(s)
	assert.Len(t, updates, 3)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, "a b c", res.Text)
}

func TestConsume_ReadErrorIsAborted(t *testing.T) {
	pr, pw := io.Pipe()
	a := newAccumulator(wordCounter)
	s := a.Consume(context.Background(), &provider.Stream{Provider: "test", Body: pr, Decoder: lineDecoder{}})

	go func() {
		_, _ = pw.Write([]byte("t:got this\n"))
		_ = pw.CloseWithError(errors.New("connection reset"))
	}()

	_, res := collect(s)
	assert.Equal(t, Aborted, res.State)
	assert.ErrorContains(t, res.Err, "connection reset")
	assert.Equal(t, "got this", res.Text)
	assert.Equal(t, 2, res.OutputTokens)
}

func TestConsume_CancelStillCountsPartialText(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	a := newAccumulator(wordCounter)
	s := a.Consume(ctx, &provider.Stream{Provider: "test", Body: pr, Decoder: lineDecoder{}})

	go func() {
		_, _ = pw.Write([]byte("t:first \nt:second\n"))
	}()

	first := <-s.Updates()
	second := <-s.Updates()
	assert.Equal(t, "first ", first.Delta)
	assert.Equal(t, "second", second.Delta)

	cancel()
	for range s.Updates() {
	}
	res := s.Wait()

	assert.Equal(t, Aborted, res.State)
	assert.True(t, res.Cancelled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, "first second", res.Text)
	assert.Equal(t, 2, res.OutputTokens, "partial text must be counted after cancellation")
	assert.False(t, res.Estimated)
}

func TestConsume_CounterDownFallsBackToEstimate(t *testing.T) {
	a := newAccumulator(downCounter)
	_, res := collect(a.Consume(context.Background(), stringStream("t:abcdef\ndone\n")))

	assert.Equal(t, Completed, res.State)
	assert.True(t, res.Estimated)
	assert.Equal(t, tokencount.Estimate("abcdef"), res.OutputTokens)
}

func TestConsume_EmptyStream(t *testing.T) {
	a := newAccumulator(downCounter)
	updates, res := collect(a.Consume(context.Background(), stringStream("done\n")))

	assert.Empty(t, updates)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 0, res.OutputTokens)
	assert.False(t, res.Estimated)
}

func TestConsume_FinalTextOnDoneEvent(t *testing.T) {
	decoder := decoderFunc(func(line string) (provider.Event, error) {
		return provider.Event{Kind: provider.EventDone, Text: line}, nil
	})
	a := newAccumulator(wordCounter)
	updates, res := collect(a.Consume(context.Background(), &provider.Stream{
		Provider: "test",
		Body:     io.NopCloser(strings.NewReader("last words\n")),
		Decoder:  decoder,
	}))

	require.Len(t, updates, 1)
	assert.Equal(t, "last words", res.Text)
	assert.Equal(t, Completed, res.State)
}

type decoderFunc func(line string) (provider.Event, error)

func (f decoderFunc) DecodeLine(line string) (provider.Event, error) { return f(line) }

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "errored", Errored.String())
}
