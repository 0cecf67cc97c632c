// Package gateway sends completion requests upstream. It speaks two
// dialects of the chat-completions API: OpenAI (bearer auth) and Azure
// OpenAI (api-key auth, deployment-scoped URL). Azure streaming responses
// are normalized so downstream consumers see one SSE shape.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/keymux/pkg/credential"
	kerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com"
	defaultAzureAPIVersion = "2023-03-15-preview"

	// Upstream completions regularly take tens of seconds for long
	// prompts; the cap exists to bound a stuck connection, not a slow one.
	requestTimeout = time.Minute
)

// Gateway performs upstream completion calls with a specific credential.
type Gateway interface {
	// RequestCompletion performs a blocking (non-stream) completion.
	RequestCompletion(ctx context.Context, cred *credential.Credential, req *types.ChatRequest) (*types.ChatResponse, error)

	// RequestCompletionStream performs a streaming completion. The
	// returned reader yields SSE bytes ("data: {...}\n\n" events ending
	// with "data: [DONE]"); the caller owns closing it.
	RequestCompletionStream(ctx context.Context, cred *credential.Credential, req *types.ChatRequest) (io.ReadCloser, error)
}

// HTTPGateway is the production Gateway over net/http.
type HTTPGateway struct {
	httpClient      *http.Client
	logger          *slog.Logger
	openAIBaseURL   string
	azureAPIVersion string
}

// Option configures an HTTPGateway.
type Option func(*HTTPGateway)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *HTTPGateway) { g.httpClient = client }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *HTTPGateway) { g.logger = logger }
}

// WithOpenAIBaseURL overrides the OpenAI endpoint, e.g. for a relay.
func WithOpenAIBaseURL(baseURL string) Option {
	return func(g *HTTPGateway) { g.openAIBaseURL = baseURL }
}

// WithAzureAPIVersion overrides the Azure api-version query parameter.
func WithAzureAPIVersion(version string) Option {
	return func(g *HTTPGateway) { g.azureAPIVersion = version }
}

// WithProxy routes all upstream traffic through an HTTP proxy.
func WithProxy(proxyURL *url.URL) Option {
	return func(g *HTTPGateway) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		g.httpClient = &http.Client{
			Timeout:   g.httpClient.Timeout,
			Transport: transport,
		}
	}
}

// New creates an HTTPGateway.
func New(opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		httpClient:      &http.Client{Timeout: requestTimeout},
		logger:          slog.Default(),
		openAIBaseURL:   defaultOpenAIBaseURL,
		azureAPIVersion: defaultAzureAPIVersion,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestCompletion implements Gateway.
func (g *HTTPGateway) RequestCompletion(ctx context.Context, cred *credential.Credential, req *types.ChatRequest) (*types.ChatResponse, error) {
	req.Stream = false
	resp, err := g.do(ctx, cred, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &out, nil
}

// RequestCompletionStream implements Gateway.
func (g *HTTPGateway) RequestCompletionStream(ctx context.Context, cred *credential.Credential, req *types.ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := g.do(ctx, cred, req)
	if err != nil {
		return nil, err
	}

	if cred.Type == credential.TypeAzure {
		return newAzureStreamNormalizer(resp.Body), nil
	}
	return resp.Body, nil
}

// do builds the dialect-specific request, sends it, and maps non-2xx
// statuses to UpstreamError. On success the caller owns resp.Body.
func (g *HTTPGateway) do(ctx context.Context, cred *credential.Credential, req *types.ChatRequest) (*http.Response, error) {
	endpoint, headers, err := g.dialect(cred)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		g.logger.Warn("upstream request failed",
			"provider", cred.Type,
			"status", resp.StatusCode,
			"elapsed", time.Since(started),
		)
		return nil, kerrors.NewUpstreamError(string(cred.Type), resp.StatusCode, body)
	}
	return resp, nil
}

// dialect resolves endpoint and auth headers for the credential's provider.
func (g *HTTPGateway) dialect(cred *credential.Credential) (string, map[string]string, error) {
	switch cred.Type {
	case credential.TypeAzure:
		if cred.ResourceName == "" || cred.DeploymentID == "" {
			return "", nil, fmt.Errorf("azure credential %s missing resource name or deployment id", cred.ID)
		}
		endpoint := fmt.Sprintf(
			"https://%s.openai.azure.com/openai/deployments/%s/chat/completions?api-version=%s",
			cred.ResourceName, cred.DeploymentID, url.QueryEscape(g.azureAPIVersion),
		)
		return endpoint, map[string]string{"api-key": cred.APIKey}, nil

	default:
		endpoint := g.openAIBaseURL + "/v1/chat/completions"
		return endpoint, map[string]string{"Authorization": "Bearer " + cred.APIKey}, nil
	}
}
