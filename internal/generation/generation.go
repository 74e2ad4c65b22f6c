// Package generation defines the AI providers behind the metered operations:
// email template generation and image generation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/validation"
	"github.com/google/uuid"
)

// TemplateGenerator produces an email template from a brief.
type TemplateGenerator interface {
	GenerateTemplate(ctx context.Context, params TemplateParams) (*Template, error)
}

// ImageGenerator produces a single image from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, params ImageParams) (*Image, error)
}

// TemplateParams contains parameters for template generation
type TemplateParams struct {
	OrganizationID uuid.UUID `json:"-"`
	Brief          string    `json:"brief" validate:"notblank,max=4000"`              // What the email should say
	Tone           string    `json:"tone,omitempty" validate:"omitempty,max=100"`     // Optional tone hint (e.g. "friendly")
	Audience       string    `json:"audience,omitempty" validate:"omitempty,max=500"` // Optional audience description
}

// Validate checks the brief before any provider call is made.
func (p TemplateParams) Validate() error {
	return invalidInput(validation.Struct("generation.template", p))
}

// ImageParams contains parameters for image generation
type ImageParams struct {
	OrganizationID uuid.UUID `json:"-"`
	Prompt         string    `json:"prompt" validate:"notblank,max=2000"`
	Size           string    `json:"size,omitempty" validate:"omitempty,oneof=1024x1024 1024x1536 1536x1024"`
	Premium        bool      `json:"-"` // Use the premium model when the plan allows it
}

// Validate checks the prompt and size before any provider call is made.
func (p ImageParams) Validate() error {
	return invalidInput(validation.Struct("generation.image", p))
}

// invalidInput marks a validation failure as EGenInvalidInput while keeping
// the field errors reachable with errors.As.
func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", EGenInvalidInput, err)
}

// Input limits. The validate tags above carry the same numbers.
const (
	MaxBriefLength  = 4000
	MaxPromptLength = 2000
	DefaultSize     = "1024x1024"
)

// Template is a generated email template.
type Template struct {
	Subject   string
	Preheader string
	HTML      string
	Text      string
	Usage     UsageInfo
}

// Image is a generated image.
type Image struct {
	Data        []byte
	ContentType string
	Usage       UsageInfo
}

// UsageInfo tracks provider usage for monitoring
type UsageInfo struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostCents    int
	Duration     time.Duration
}

// ProviderConfig contains common configuration for generation providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
}

// WithDefaults fills zero values.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Error codes for generation provider operations
var (
	// EGenRateLimit indicates the provider rate limit has been exceeded
	EGenRateLimit = errors.New("generation provider rate limit exceeded")

	// EGenInvalidInput indicates the brief or prompt was rejected as malformed
	EGenInvalidInput = errors.New("invalid generation input")

	// EGenContentPolicy indicates the request violates the provider's content policy
	EGenContentPolicy = errors.New("request violates content policy")

	// EGenTimeout indicates the request timed out
	EGenTimeout = errors.New("generation request timed out")

	// EGenUnavailable indicates the provider is temporarily unavailable
	EGenUnavailable = errors.New("generation service temporarily unavailable")

	// EGenUnauthorized indicates invalid API credentials
	EGenUnauthorized = errors.New("generation provider authentication failed")

	// EGenBadResponse indicates the provider answered with something we could not use
	EGenBadResponse = errors.New("unusable generation response")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EGenRateLimit) ||
		errors.Is(err, EGenTimeout) ||
		errors.Is(err, EGenUnavailable)
}

// WrapError wraps an error with context about the generation operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("generation %s: %w", operation, err)
}

// Classify maps provider errors onto the admission gate's failure classes.
// It is installed with quota.WithClassifier.
func Classify(err error) quota.FailureClass {
	switch {
	case errors.Is(err, EGenContentPolicy):
		return quota.FailurePolicy
	case errors.Is(err, EGenInvalidInput):
		return quota.FailureValidation
	case errors.Is(err, EGenRateLimit):
		return quota.FailureRateLimit
	default:
		return quota.FailureTransient
	}
}
