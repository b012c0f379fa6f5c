package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"patchpilot/internal/config"
)

const (
	// defaultRetryWait is the first backoff interval between HTTP attempts.
	defaultRetryWait = 500 * time.Millisecond
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 32 << 20
)

// httpBackend speaks the Ollama-style local server protocol: a blocking
// POST /api/generate with streaming disabled. Generation is retried with
// exponential backoff because the calls are idempotent.
type httpBackend struct {
	baseURL   string
	timeout   time.Duration
	retries   int
	retryWait time.Duration
	client    *http.Client
	logger    *zap.Logger
	model     modelRef
}

func newHTTPBackend(cfg config.ProviderConfig, deps Deps) (*httpBackend, error) {
	b := &httpBackend{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		retryWait: defaultRetryWait,
		client:    deps.Client,
		logger:    deps.Logger,
	}
	b.model.set(cfg.Model)
	return b, nil
}

func (b *httpBackend) Name() string          { return config.ProviderHTTP }
func (b *httpBackend) Model() string         { return b.model.get() }
func (b *httpBackend) SetModel(model string) { b.model.set(model) }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// GeneratePatch posts the prompt and returns the response text. Transient
// failures (connect errors, timeouts, 429, 5xx) are retried up to the
// configured count; contract violations are permanent.
func (b *httpBackend) GeneratePatch(ctx context.Context, prompt string, _ CycleContext) (*Response, error) {
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		text, err := b.generateOnce(ctx, prompt)
		if err != nil {
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			b.logger.Warn("http backend attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		return &Response{Text: text, Model: b.model.get(), Backend: b.Name()}, nil
	}
	return withRetry(ctx, b.retries, b.retryWait, op)
}

func (b *httpBackend) generateOnce(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{
		Model:  b.model.get(),
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", errf(KindInvalidResponse, b.Name(), "generate", 0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", errf(KindInvalidResponse, b.Name(), "generate", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", errf(transportKind(err), b.Name(), "generate", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errf(KindNetwork, b.Name(), "generate", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errf(classifyStatus(resp.StatusCode), b.Name(), "generate", resp.StatusCode,
			errors.New(excerpt(data, 512)))
	}
	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errf(KindInvalidResponse, b.Name(), "generate", resp.StatusCode, err)
	}
	if out.Response == "" {
		return "", errf(KindInvalidResponse, b.Name(), "generate", resp.StatusCode,
			errors.New(`response missing "response" field`))
	}
	return out.Response, nil
}

// ListModels fetches the server's model catalog from /api/tags.
func (b *httpBackend) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errf(KindInvalidResponse, b.Name(), "list_models", 0, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errf(transportKind(err), b.Name(), "list_models", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errf(KindNetwork, b.Name(), "list_models", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errf(classifyStatus(resp.StatusCode), b.Name(), "list_models", resp.StatusCode,
			errors.New(excerpt(data, 512)))
	}
	var out tagsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errf(KindInvalidResponse, b.Name(), "list_models", resp.StatusCode, err)
	}
	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HealthCheck proves the server is reachable and answering.
func (b *httpBackend) HealthCheck(ctx context.Context) error {
	_, err := b.ListModels(ctx)
	return err
}

// withRetry runs op with exponential backoff, honoring ctx cancellation.
// retries is the number of attempts after the first.
func withRetry[T any](ctx context.Context, retries int, initial time.Duration, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	return backoff.Retry(ctx, backoff.Operation[T](op),
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(retries)+1))
}

// retryable reports whether err is a transient provider error.
func retryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindNetwork
	default:
		return KindInvalidResponse
	}
}

// transportKind distinguishes deadline expiry from plain connectivity
// failures on a round-trip error.
func transportKind(err error) Kind {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// excerpt returns at most n leading bytes of b as a trimmed string.
func excerpt(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}
