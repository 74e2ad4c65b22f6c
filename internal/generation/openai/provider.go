// Package openai implements image generation against the OpenAI images API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
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
	// APIBaseURL is the images generation endpoint
	APIBaseURL = "https://api.openai.com/v1/images/generations"

	// StandardModel is used for every plan
	StandardModel = "gpt-image-1-mini"

	// PremiumModel is used when the plan includes the premium image model
	PremiumModel = "gpt-image-1"

	// Approximate cost per image in cents
	StandardCostCents = 1
	PremiumCostCents  = 4

	// MaxImageSize is the largest decoded image we accept (20MB)
	MaxImageSize = 20 * 1024 * 1024
)

// Config contains configuration for the OpenAI image provider
type Config struct {
	APIKey         string
	StandardModel  string
	PremiumModel   string
	BaseURL        string // Overrides APIBaseURL, used by tests
	ProviderConfig generation.ProviderConfig
}

// Provider implements generation.ImageGenerator
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

var _ generation.ImageGenerator = (*Provider)(nil)

// New creates a new OpenAI image provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	if config.StandardModel == "" {
		config.StandardModel = StandardModel
	}
	if config.PremiumModel == "" {
		config.PremiumModel = PremiumModel
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

// GenerateImage renders one image and returns the decoded bytes.
func (p *Provider) GenerateImage(ctx context.Context, params generation.ImageParams) (*generation.Image, error) {
	startTime := time.Now()

	if err := params.Validate(); err != nil {
		return nil, generation.WrapError("generate image", err)
	}

	model, cost := p.config.StandardModel, StandardCostCents
	if params.Premium {
		model, cost = p.config.PremiumModel, PremiumCostCents
	}
	size := params.Size
	if size == "" {
		size = generation.DefaultSize
	}

	body, err := json.Marshal(apiRequest{
		Model:  model,
		Prompt: params.Prompt,
		Size:   size,
		N:      1,
	})
	if err != nil {
		return nil, generation.WrapError("build request", fmt.Errorf("marshal request: %w", err))
	}

	resp, err := p.executeWithRetry(ctx, body)
	if err != nil {
		return nil, generation.WrapError("execute request", err)
	}

	data, err := decodeImage(resp)
	if err != nil {
		return nil, generation.WrapError("parse response", err)
	}

	img := &generation.Image{
		Data:        data,
		ContentType: http.DetectContentType(data),
		Usage: generation.UsageInfo{
			Model:        model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostCents:    cost,
			Duration:     time.Since(startTime),
		},
	}
	if !strings.HasPrefix(img.ContentType, "image/") {
		return nil, generation.WrapError("parse response",
			fmt.Errorf("%w: unexpected content type %s", generation.EGenBadResponse, img.ContentType))
	}

	p.logger.Debug("image generated",
		"organization_id", params.OrganizationID,
		"model", model,
		"bytes", len(data),
		"duration_ms", img.Usage.Duration.Milliseconds(),
	)
	return img, nil
}

func (p *Provider) executeWithRetry(ctx context.Context, body []byte) (*apiResponse, error) {
	cfg := p.config.ProviderConfig
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := p.executeRequest(ctx, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !generation.IsRetryable(err) || attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		p.logger.Info("Retrying image request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.Join(generation.EGenTimeout, ctx.Err())
		}
	}

	return nil, lastErr
}

func (p *Provider) executeRequest(ctx context.Context, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, generation.EGenTimeout
		}
		return nil, generation.EGenUnavailable
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 2*MaxImageSize))
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
		if errResp.Error.Code == "content_policy_violation" || errResp.Error.Code == "moderation_blocked" {
			return fmt.Errorf("%w: %s", generation.EGenContentPolicy, errResp.Error.Message)
		}
		return fmt.Errorf("%w: %s", generation.EGenInvalidInput, errResp.Error.Message)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return generation.EGenUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

func decodeImage(resp *apiResponse) ([]byte, error) {
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: no image data in response", generation.EGenBadResponse)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", generation.EGenBadResponse, err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("%w: image size %d exceeds maximum %d", generation.EGenBadResponse, len(data), MaxImageSize)
	}
	return data, nil
}

type apiRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type apiResponse struct {
	Created int64      `json:"created"`
	Data    []apiImage `json:"data"`
	Usage   apiUsage   `json:"usage"`
}

type apiImage struct {
	B64JSON string `json:"b64_json"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
