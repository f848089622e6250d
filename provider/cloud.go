package provider

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/lexitask/task"
)

// CloudConfig configures the OpenAI-compatible remote adapter.
type CloudConfig struct {
	// Name overrides the adapter name. Defaults to NameCloud.
	Name string

	// URL is the API base, e.g. https://api.openai.com/v1.
	URL string

	// Model is the remote model identifier.
	Model string

	// APIKey is the bearer credential. When empty, APIKeyEnv is consulted.
	APIKey string

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string
}

// Cloud calls an OpenAI-compatible chat completions endpoint.
type Cloud struct {
	cfg        CloudConfig
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCloud creates the remote adapter. The credential is read once, here.
func NewCloud(cfg CloudConfig, opts ...Option) *Cloud {
	o := buildOptions(opts)
	if cfg.Name == "" {
		cfg.Name = NameCloud
	}

	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	return &Cloud{
		cfg:        cfg,
		apiKey:     strings.TrimSpace(apiKey),
		url:        chatCompletionsURL(cfg.URL),
		httpClient: o.httpClient,
		logger:     o.logger.With("adapter", cfg.Name),
	}
}

// chatCompletionsURL appends /chat/completions unless already present.
func chatCompletionsURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// Name returns the adapter identifier.
func (c *Cloud) Name() string {
	return c.cfg.Name
}

// IsAvailable reports whether a credential is configured. It does not touch the network.
func (c *Cloud) IsAvailable(context.Context) bool {
	return c.apiKey != ""
}

// openAIRequest is the OpenAI-compatible request format.
type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// openAIResponse is the OpenAI-compatible response format.
type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Attempt runs one chat completion.
func (c *Cloud) Attempt(ctx context.Context, kind task.Kind, p task.Payload) (task.Result, error) {
	if c.apiKey == "" {
		return task.Result{}, task.Errorf(task.ErrCapabilityUnavailable, "no API key configured")
	}

	temperature := 0.0
	req := openAIRequest{
		Model:       c.cfg.Model,
		Messages:    buildMessages(systemPrompt(kind, p), p.Text),
		Temperature: &temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp openAIResponse
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.url, headers, req, &resp); err != nil {
		return task.Result{}, err
	}
	if len(resp.Choices) == 0 {
		return task.Result{}, task.Errorf(task.ErrEmptyResult, "no choices in response")
	}

	c.logger.Debug("Completion received",
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.Choices[0].FinishReason)

	res, err := parseContent(kind, resp.Choices[0].Message.Content)
	if err != nil {
		return task.Result{}, err
	}
	res.Provider = c.cfg.Name
	res.Model = resp.Model
	if res.Model == "" {
		res.Model = c.cfg.Model
	}
	return res, nil
}

// Destroy closes idle connections.
func (c *Cloud) Destroy() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
