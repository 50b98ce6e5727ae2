package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Provider implements the LLM contract over the Anthropic Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates an Anthropic provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

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
		return polos.GenerateResponse{}, &polos.TransientError{Err: fmt.Errorf("anthropic: read response: %w", err)}
	}
	var msgResp MessagesResponse
	if err := json.Unmarshal(raw, &msgResp); err != nil {
		return polos.GenerateResponse{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return ParseResponse(msgResp, raw), nil
}

// Stream sends a streaming request, forwarding normalized events to ch.
// ch is closed before returning.
func (p *Provider) Stream(ctx context.Context, req polos.GenerateRequest, ch chan<- polos.ProviderEvent) (polos.GenerateResponse, error) {
	body := BuildBody(req, req.Model)
	body.Stream = true

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
	return streamSSE(ctx, resp.Body, ch)
}

func (p *Provider) send(ctx context.Context, body MessagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &polos.TransientError{Err: fmt.Errorf("anthropic: %w", err)}
	}
	return resp, nil
}

// httpErr classifies a non-200 response. 429, 529 (overloaded), and 5xx are
// transient; other 4xx are permanent.
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
