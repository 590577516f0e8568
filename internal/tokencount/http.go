package tokencount

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCounter calls a remote counting service: POST {baseURL}/count_tokens
// with {"text": ...}, answered by {"token_count": n}.
type HTTPCounter struct {
	baseURL string
	client  *http.Client
}

type countRequest struct {
	Text string `json:"text"`
}

type countResponse struct {
	TokenCount *int `json:"token_count"`
}

func NewHTTPCounter(baseURL string, timeout time.Duration) *HTTPCounter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCounter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCounter) Count(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(countRequest{Text: text})
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/count_tokens", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, unavailable("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, unavailable("count", fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	var out countResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, unavailable("decode", err)
	}
	if out.TokenCount == nil || *out.TokenCount < 0 {
		return 0, unavailable("decode", fmt.Errorf("missing token_count"))
	}
	return *out.TokenCount, nil
}
