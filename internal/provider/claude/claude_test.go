package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/quota-gateway/internal/provider"
)

func newTestProvider(url string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: url,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("Missing anthropic-version header")
		}
		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			StopReason: "end_turn",
			Usage: claudeUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			Model: "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Model:  "claude-3-5-sonnet-20241022",
		Prompt: "hi",
	}

	resp, err := newTestProvider(server.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("Expected end_turn, got %s", resp.FinishReason)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_start\"}\n\n")

		fmt.Fprintf(w, "event: content_block_delta\n")
		data1, _ := json.Marshal(claudeStreamDelta{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "Hello"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data1))

		fmt.Fprintf(w, "event: content_block_delta\n")
		data2, _ := json.Marshal(claudeStreamDelta{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: " world!"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data2))

		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	s, err := newTestProvider(server.URL).CompleteStream(context.Background(), &provider.Request{Model: "claude-3-5-sonnet-20241022", Prompt: "hi"})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}
	defer s.Body.Close()

	var content string
	var done bool
	scanner := bufio.NewScanner(s.Body)
	for scanner.Scan() {
		ev, err := s.Decoder.DecodeLine(scanner.Text())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch ev.Kind {
		case provider.EventText:
			content += ev.Text
		case provider.EventDone:
			done = true
		case provider.EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	if !done {
		t.Error("Expected stream to be done")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}
}

func TestStreamDecoder_ErrorEvent(t *testing.T) {
	d := &streamDecoder{}
	if ev, _ := d.DecodeLine("event: error"); ev.Kind != provider.EventSkip {
		t.Fatalf("event line should be skipped, got %v", ev.Kind)
	}
	ev, err := d.DecodeLine(`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != provider.EventError || ev.Err == nil {
		t.Errorf("Expected error event, got %+v", ev)
	}
}

func TestStreamDecoder_TypeWithoutEventLine(t *testing.T) {
	d := &streamDecoder{}
	ev, err := d.DecodeLine(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != provider.EventText || ev.Text != "x" {
		t.Errorf("Expected text event, got %+v", ev)
	}
}

func TestStreamDecoder_Malformed(t *testing.T) {
	d := &streamDecoder{}
	_, _ = d.DecodeLine("event: content_block_delta")
	if _, err := d.DecodeLine("data: {oops"); !errors.Is(err, provider.ErrMalformedChunk) {
		t.Errorf("Expected ErrMalformedChunk, got %v", err)
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "claude" {
		t.Errorf("Expected 'claude', got %s", p.Name())
	}
}

func TestSupportedModels(t *testing.T) {
	p := New("key")
	models := p.SupportedModels()
	found := false
	for _, m := range models {
		if m == "claude-3-5-haiku-20241022" {
			found = true
			break
		}
	}
	if !found {
		t.Error("claude-3-5-haiku-20241022 should be in supported models")
	}
}

func TestSystemMessageExtraction(t *testing.T) {
	var capturedReq claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &capturedReq)

		resp := claudeResponse{
			ID:      "msg_123",
			Content: []claudeContent{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req := &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "hi"},
		},
		TopK: 40,
	}

	_, err := newTestProvider(server.URL).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if capturedReq.System != "You are a helpful assistant." {
		t.Errorf("Expected system message to be extracted, got %s", capturedReq.System)
	}
	if len(capturedReq.Messages) != 1 {
		t.Errorf("Expected 1 message after system extraction, got %d", len(capturedReq.Messages))
	}
	if capturedReq.Messages[0].Role != "user" {
		t.Errorf("Expected first message role to be 'user', got %s", capturedReq.Messages[0].Role)
	}
	if capturedReq.TopK != 40 {
		t.Errorf("Expected top_k 40, got %d", capturedReq.TopK)
	}
	if capturedReq.MaxTokens != 4096 {
		t.Errorf("Expected default max_tokens 4096, got %d", capturedReq.MaxTokens)
	}
}
