package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/mailsmith/internal/generation"
)

const (
	// APIBaseURL is the base URL for the Anthropic API
	APIBaseURL = "https://api.anthropic.com/v1/messages"

	// APIVersion is the Anthropic API version
	APIVersion = "2023-06-01"

	// DefaultModel is the default Claude model to use
	DefaultModel = "claude-3-5-sonnet-20241022"

	// Pricing in cents per 1M tokens
	PricingInputCents  = 300  // $3 per 1M input tokens
	PricingOutputCents = 1500 // $15 per 1M output tokens

	maxTokens = 4096
)

// Config contains configuration for the Anthropic provider
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string // Overrides APIBaseURL, used by tests
	ProviderConfig generation.ProviderConfig
}

// Provider implements generation.TemplateGenerator using Claude
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

var _ generation.TemplateGenerator = (*Provider)(nil)

// New creates a new Anthropic template provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = APIBaseURL
	}
	config.ProviderConfig = config.ProviderConfig.WithDefaults()

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.ProviderConfig.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// GenerateTemplate asks Claude for a subject, preheader and HTML/text bodies.
func (p *Provider) GenerateTemplate(ctx context.Context, params generation.TemplateParams) (*generation.Template, error) {
	startTime := time.Now()

	if err := params.Validate(); err != nil {
		return nil, generation.WrapError("generate template", err)
	}

	body, err := json.Marshal(apiRequest{
		Model:     p.config.Model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []apiMessage{
			{
				Role:    "user",
				Content: []apiContent{{Type: "text", Text: buildTemplatePrompt(params)}},
			},
		},
	})
	if err != nil {
		return nil, generation.WrapError("build request", fmt.Errorf("marshal request: %w", err))
	}

	resp, err := p.executeWithRetry(ctx, body)
	if err != nil {
		return nil, generation.WrapError("execute request", err)
	}

	tmpl, err := parseTemplateResponse(resp)
	if err != nil {
		return nil, generation.WrapError("parse response", err)
	}

	tmpl.Usage = generation.UsageInfo{
		Model:        p.config.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostCents:    calculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Duration:     time.Since(startTime),
	}

	p.logger.Debug("template generated",
		"organization_id", params.OrganizationID,
		"model", tmpl.Usage.Model,
		"input_tokens", tmpl.Usage.InputTokens,
		"output_tokens", tmpl.Usage.OutputTokens,
		"duration_ms", tmpl.Usage.Duration.Milliseconds(),
	)
	return tmpl, nil
}

// executeWithRetry executes the request with exponential backoff retry.
// The request is rebuilt on every attempt since its body is consumed.
func (p *Provider) executeWithRetry(ctx context.Context, body []byte) (*apiResponse, error) {
	cfg := p.config.ProviderConfig
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := p.executeRequest(ctx, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !generation.IsRetryable(err) {
			return nil, err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		// Exponential: base * 2^(attempt-1)
		delay := cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		p.logger.Info("Retrying template request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.Join(generation.EGenTimeout, ctx.Err())
		}
	}

	return nil, lastErr
}

// executeRequest executes a single HTTP request
func (p *Provider) executeRequest(ctx context.Context, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, generation.EGenTimeout
		}
		// Network errors are typically retryable
		return nil, generation.EGenUnavailable
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, bodyBytes)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", generation.EGenBadResponse, err)
	}
	return &apiResp, nil
}

// mapHTTPError maps HTTP status codes to generation errors
func mapHTTPError(statusCode int, body []byte) error {
	var errResp apiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return generation.EGenUnauthorized
	case http.StatusTooManyRequests:
		return generation.EGenRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return generation.EGenTimeout
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(errResp.Error.Message), "policy") {
			return fmt.Errorf("%w: %s", generation.EGenContentPolicy, errResp.Error.Message)
		}
		return fmt.Errorf("%w: %s", generation.EGenInvalidInput, errResp.Error.Message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusInternalServerError, 529:
		return generation.EGenUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

// parseTemplateResponse extracts the JSON template from the first text block.
func parseTemplateResponse(resp *apiResponse) (*generation.Template, error) {
	if resp.StopReason == "refusal" {
		return nil, generation.EGenContentPolicy
	}

	var text string
	for _, content := range resp.Content {
		if content.Type == "text" {
			text = content.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("%w: no text content in response", generation.EGenBadResponse)
	}

	var out templateOutput
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return nil, fmt.Errorf("%w: parse template output: %v", generation.EGenBadResponse, err)
	}
	if out.Subject == "" || out.HTML == "" {
		return nil, fmt.Errorf("%w: template is missing subject or html", generation.EGenBadResponse)
	}

	return &generation.Template{
		Subject:   out.Subject,
		Preheader: out.Preheader,
		HTML:      out.HTML,
		Text:      out.Text,
	}, nil
}

// extractJSON strips a surrounding markdown code fence if the model added one.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// calculateCost calculates the cost in cents for the given token usage
func calculateCost(inputTokens, outputTokens int) int {
	inputCost := (inputTokens * PricingInputCents) / 1_000_000
	outputCost := (outputTokens * PricingOutputCents) / 1_000_000
	return inputCost + outputCost
}

// API request/response types

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []apiContentOutput `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      apiUsage           `json:"usage"`
}

type apiContentOutput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// templateOutput is the JSON object the prompt asks Claude to return
type templateOutput struct {
	Subject   string `json:"subject"`
	Preheader string `json:"preheader"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
}
