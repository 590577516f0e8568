package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNoProvider     = errors.New("all providers unavailable")
	ErrMalformedChunk = errors.New("malformed chunk")
)

type Request struct {
	Model       string
	Prompt      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
	Stream      bool
	// Metadata for routing decisions
	TenantID  string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// ChatMessages returns Messages, or the prompt as a single user message.
func (r *Request) ChatMessages() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: "user", Content: r.Prompt}}
}

// InputText is the text billed as input: the prompt, or every message
// content joined by newlines.
func (r *Request) InputText() string {
	if len(r.Messages) == 0 {
		return r.Prompt
	}
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

type Response struct {
	ID           string
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type EventKind int

const (
	EventSkip EventKind = iota
	EventText
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "skip"
	}
}

// Event is one logical event decoded from a stream line. Done and Error
// events may carry a final piece of text.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// LineDecoder turns one physical line of a provider stream into an Event.
// Decoders may keep state between lines (an SSE "event:" line names the
// next "data:" line). A returned error marks only that line as malformed.
type LineDecoder interface {
	DecodeLine(line string) (Event, error)
}

// Stream is an open streaming response. The caller owns Body and must close it.
type Stream struct {
	Provider string
	Model    string
	Body     io.ReadCloser
	Decoder  LineDecoder
}

// StatusError is a non-200 reply from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (*Stream, error)
	Name() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}

// SSEData extracts the payload of a "data:" line.
func SSEData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// SSEEvent extracts the name of an "event:" line.
func SSEEvent(line string) (string, bool) {
	if !strings.HasPrefix(line, "event:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "event:")), true
}

// Malformed wraps a decode failure for one line.
func Malformed(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrMalformedChunk, err)
}
