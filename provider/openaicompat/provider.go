package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	polos "github.com/polos-ai/polos-go"
)

// Provider implements the LLM contract for any OpenAI-compatible endpoint.
// The /chat/completions path is appended to the base URL automatically.
type Provider struct {
	apiKey  string
	baseURL string
	name    string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported to the registry. Useful when
// registering several OpenAI-compatible endpoints side by side.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates an OpenAI-compatible provider. baseURL is the API base, e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1".
func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai").
func (p *Provider) Name() string { return p.name }

// Generate sends a non-streaming request and returns the parsed response.
func (p *Provider) Generate(ctx context.Context, req polos.GenerateRequest) (polos.GenerateResponse, error) {
	body := BuildBody(req, req.Model)
	resp, err := p.send(ctx, body)
	if err != nil {
		return polos.GenerateResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return polos.GenerateResponse{}, p.httpErr(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return polos.GenerateResponse{}, &polos.TransientError{Err: fmt.Errorf("%s: read response: %w", p.name, err)}
	}
	var chatResp ChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return polos.GenerateResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return ParseResponse(chatResp, raw), nil
}

// Stream sends a streaming request, forwarding normalized events to ch.
// ch is closed before returning.
func (p *Provider) Stream(ctx context.Context, req polos.GenerateRequest, ch chan<- polos.ProviderEvent) (polos.GenerateResponse, error) {
	body := BuildBody(req, req.Model)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.send(ctx, body)
	if err != nil {
		close(ch)
		return polos.GenerateResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		close(ch)
		return polos.GenerateResponse{}, p.httpErr(resp)
	}
	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

func (p *Provider) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &polos.TransientError{Err: fmt.Errorf("%s: %w", p.name, err)}
	}
	return resp, nil
}

// httpErr classifies a non-200 response. 429 and 5xx are transient and carry
// the Retry-After hint for the retry middleware; other 4xx are permanent.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &polos.TransientError{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &polos.PermanentError{Status: resp.StatusCode, Body: string(body)}
}

// parseRetryAfter handles the delta-seconds form of the header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

var _ polos.Provider = (*Provider)(nil)
