package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/quota-gateway/internal/provider"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	Error         *geminiError        `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
		client:  http.DefaultClient,
	}
}

func (p *GeminiProvider) do(ctx context.Context, url string, req *provider.Request) (*http.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

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

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	resp, err := p.do(ctx, url, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, err
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	return &provider.Response{
		Content:      candidateText(geminiResp.Candidates[0]),
		FinishReason: geminiResp.Candidates[0].FinishReason,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        req.Model,
		Provider:     p.Name(),
	}, nil
}

func candidateText(c geminiCandidate) string {
	var buf bytes.Buffer
	for _, part := range c.Content.Parts {
		buf.WriteString(part.Text)
	}
	return buf.String()
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var system *geminiContent
	var contents []geminiContent
	for _, m := range req.ChatMessages() {
		if m.Role == "system" {
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	return geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
		},
	}
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model)
	resp, err := p.do(ctx, url, req)
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

// streamDecoder reads alt=sse data lines. Gemini sends no sentinel line; the
// chunk carrying a finishReason is the terminal one.
type streamDecoder struct{}

func (d *streamDecoder) DecodeLine(line string) (provider.Event, error) {
	data, ok := provider.SSEData(line)
	if !ok || data == "" {
		return provider.Event{}, nil
	}

	var chunk geminiResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return provider.Event{}, provider.Malformed("gemini", err)
	}
	if chunk.Error != nil {
		return provider.Event{Kind: provider.EventError, Err: fmt.Errorf("gemini stream error: %s", chunk.Error.Message)}, nil
	}
	if len(chunk.Candidates) == 0 {
		return provider.Event{}, nil
	}

	c := chunk.Candidates[0]
	text := candidateText(c)
	switch {
	case c.FinishReason != "" && c.FinishReason != "STOP" && c.FinishReason != "MAX_TOKENS":
		return provider.Event{Kind: provider.EventError, Text: text, Err: fmt.Errorf("gemini stream stopped: %s", c.FinishReason)}, nil
	case c.FinishReason != "":
		return provider.Event{Kind: provider.EventDone, Text: text}, nil
	case text != "":
		return provider.Event{Kind: provider.EventText, Text: text}, nil
	}
	return provider.Event{}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) CostPerInputToken() float64 {
	return 0.000000125
}

func (p *GeminiProvider) CostPerOutputToken() float64 {
	return 0.000000375
}

func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}
}
