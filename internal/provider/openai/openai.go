package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/quota-gateway/internal/provider"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*OpenAIProvider)

// WithBaseURL points the adapter at any OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	Text         string        `json:"text"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func New(apiKey string, opts ...Option) provider.Provider {
	p := &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) do(ctx context.Context, req *provider.Request, stream bool) (*http.Response, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = stream
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.StatusError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, err
	}

	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	choice := openAIResp.Choices[0]
	content := choice.Message.Content
	if content == "" {
		content = choice.Text
	}
	return &provider.Response{
		ID:           openAIResp.ID,
		Content:      content,
		FinishReason: choice.FinishReason,
		InputTokens:  openAIResp.Usage.PromptTokens,
		OutputTokens: openAIResp.Usage.CompletionTokens,
		Model:        openAIResp.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	msgs := req.ChatMessages()
	messages := make([]openAIMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	resp, err := p.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &provider.Stream{
		Provider: p.Name(),
		Model:    req.Model,
		Body:     resp.Body,
		Decoder:  &streamDecoder{},
	}, nil
}

// streamDecoder reads "data: {...}" lines terminated by "data: [DONE]".
type streamDecoder struct{}

func (d *streamDecoder) DecodeLine(line string) (provider.Event, error) {
	data, ok := provider.SSEData(line)
	if !ok || data == "" {
		return provider.Event{}, nil
	}
	if data == "[DONE]" {
		return provider.Event{Kind: provider.EventDone}, nil
	}

	var chunk openAIResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return provider.Event{}, provider.Malformed("openai", err)
	}
	if chunk.Error != nil {
		return provider.Event{Kind: provider.EventError, Err: fmt.Errorf("openai stream error: %s", chunk.Error.Message)}, nil
	}
	if len(chunk.Choices) == 0 {
		return provider.Event{}, nil
	}

	text := chunk.Choices[0].Delta.Content
	if text == "" {
		text = chunk.Choices[0].Text
	}
	if text == "" {
		return provider.Event{}, nil
	}
	return provider.Event{Kind: provider.EventText, Text: text}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000015
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return 0.00000060
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
}
