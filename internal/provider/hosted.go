package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"patchpilot/internal/config"
)

const (
	openAIBase    = "https://api.openai.com"
	anthropicBase = "https://api.anthropic.com"

	anthropicVersion = "2023-06-01"

	// hostedMaxTokens bounds Anthropic responses; the API requires an
	// explicit limit.
	hostedMaxTokens = 8192
)

// hostedBackend talks to a commercial completion API. The key is resolved
// from the environment once, at construction: a missing key fails the run
// before the first cycle instead of burning cycles on guaranteed 401s.
type hostedBackend struct {
	api       string
	base      string
	key       string
	timeout   time.Duration
	retries   int
	retryWait time.Duration
	client    *http.Client
	logger    *zap.Logger
	model     modelRef
}

func newHostedBackend(cfg config.ProviderConfig, deps Deps) (*hostedBackend, error) {
	key, ok := deps.LookupEnv(cfg.APIKeyEnv)
	if !ok || key == "" {
		return nil, errf(KindAuth, config.ProviderHosted, "init", 0,
			fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnv))
	}
	base := openAIBase
	if cfg.API == config.APIAnthropic {
		base = anthropicBase
	}
	b := &hostedBackend{
		api:       cfg.API,
		base:      base,
		key:       key,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		retryWait: defaultRetryWait,
		client:    deps.Client,
		logger:    deps.Logger,
	}
	b.model.set(cfg.Model)
	return b, nil
}

func (b *hostedBackend) Name() string          { return config.ProviderHosted }
func (b *hostedBackend) Model() string         { return b.model.get() }
func (b *hostedBackend) SetModel(model string) { b.model.set(model) }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// GeneratePatch sends the prompt as a single user message. Rate limits and
// server errors are retried; auth failures and contract violations are not.
func (b *hostedBackend) GeneratePatch(ctx context.Context, prompt string, _ CycleContext) (*Response, error) {
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		text, err := b.generateOnce(ctx, prompt)
		if err != nil {
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			b.logger.Warn("hosted backend attempt failed",
				zap.String("api", b.api),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		return &Response{Text: text, Model: b.model.get(), Backend: b.Name()}, nil
	}
	return withRetry(ctx, b.retries, b.retryWait, op)
}

func (b *hostedBackend) generateOnce(ctx context.Context, prompt string) (string, error) {
	var (
		path    string
		payload any
	)
	switch b.api {
	case config.APIAnthropic:
		path = "/v1/messages"
		payload = anthropicRequest{
			Model:     b.model.get(),
			MaxTokens: hostedMaxTokens,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
		}
	default:
		path = "/v1/chat/completions"
		payload = openAIRequest{
			Model:    b.model.get(),
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		}
	}

	data, status, err := b.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	return b.extractText(data, status)
}

func (b *hostedBackend) extractText(data []byte, status int) (string, error) {
	if b.api == config.APIAnthropic {
		var out anthropicResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return "", errf(KindInvalidResponse, b.Name(), "generate", status, err)
		}
		for _, block := range out.Content {
			if block.Type == "text" && block.Text != "" {
				return block.Text, nil
			}
		}
		return "", errf(KindInvalidResponse, b.Name(), "generate", status,
			errors.New("response has no text content block"))
	}
	var out openAIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errf(KindInvalidResponse, b.Name(), "generate", status, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", errf(KindInvalidResponse, b.Name(), "generate", status,
			errors.New("response has no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// do performs one authenticated round trip and returns the body of a 200
// response. Any other status becomes a kind-classified error.
func (b *hostedBackend) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, errf(KindInvalidResponse, b.Name(), "request", 0, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return nil, 0, errf(KindInvalidResponse, b.Name(), "request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.api == config.APIAnthropic {
		req.Header.Set("x-api-key", b.key)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else {
		req.Header.Set("Authorization", "Bearer "+b.key)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, errf(transportKind(err), b.Name(), "request", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, errf(KindNetwork, b.Name(), "request", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, errf(classifyStatus(resp.StatusCode), b.Name(), "request", resp.StatusCode,
			errors.New(excerpt(data, 512)))
	}
	return data, resp.StatusCode, nil
}

// ListModels queries the vendor's model catalog. Both APIs expose
// GET /v1/models with the same {data: [{id}]} shape.
func (b *hostedBackend) ListModels(ctx context.Context) ([]string, error) {
	data, status, err := b.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	var out modelsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errf(KindInvalidResponse, b.Name(), "list_models", status, err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// HealthCheck verifies both reachability and the key in one call.
func (b *hostedBackend) HealthCheck(ctx context.Context) error {
	_, err := b.ListModels(ctx)
	return err
}
