package mock

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/mailsmith/internal/generation"
	"github.com/disintegration/imaging"
)

// Provider is a mock generation provider for testing and development.
// It implements both TemplateGenerator and ImageGenerator.
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	TemplateResponse *generation.Template
	TemplateError    error
	ImageResponse    *generation.Image
	ImageError       error

	// Call tracking for testing
	TemplateCalls int
	ImageCalls    int
}

var (
	_ generation.TemplateGenerator = (*Provider)(nil)
	_ generation.ImageGenerator    = (*Provider)(nil)
)

// New creates a new mock provider
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// GenerateTemplate returns a canned template built from the brief
func (p *Provider) GenerateTemplate(ctx context.Context, params generation.TemplateParams) (*generation.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TemplateCalls++

	if p.TemplateError != nil {
		return nil, p.TemplateError
	}
	if p.TemplateResponse != nil {
		return p.TemplateResponse, nil
	}
	if err := params.Validate(); err != nil {
		return nil, generation.WrapError("generate template", err)
	}

	return &generation.Template{
		Subject:   "Your update from the team",
		Preheader: "A quick note we think you'll like",
		HTML: fmt.Sprintf(`<table role="presentation" width="100%%" style="max-width:600px"><tr><td>`+
			`<p>Hi {{first_name}},</p><p>%s</p><p><a href="{{unsubscribe_url}}">Unsubscribe</a></p>`+
			`</td></tr></table>`, params.Brief),
		Text: fmt.Sprintf("Hi {{first_name}},\n\n%s\n\nUnsubscribe: {{unsubscribe_url}}", params.Brief),
		Usage: generation.UsageInfo{
			Model:        "mock-template-v1",
			InputTokens:  420,
			OutputTokens: 910,
			CostCents:    1,
			Duration:     150 * time.Millisecond,
		},
	}, nil
}

// GenerateImage returns a solid color PNG of the requested size
func (p *Provider) GenerateImage(ctx context.Context, params generation.ImageParams) (*generation.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ImageCalls++

	if p.ImageError != nil {
		return nil, p.ImageError
	}
	if p.ImageResponse != nil {
		return p.ImageResponse, nil
	}
	if err := params.Validate(); err != nil {
		return nil, generation.WrapError("generate image", err)
	}

	// Small enough to keep tests fast; the size only picks the aspect ratio.
	w, h := 64, 64
	switch params.Size {
	case "1024x1536":
		h = 96
	case "1536x1024":
		w = 96
	}
	img := imaging.New(w, h, color.NRGBA{R: 0x4f, G: 0x46, B: 0xe5, A: 0xff})

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, generation.WrapError("encode image", err)
	}

	model := "mock-image-v1"
	if params.Premium {
		model = "mock-image-premium-v1"
	}
	return &generation.Image{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Usage: generation.UsageInfo{
			Model:    model,
			Duration: 250 * time.Millisecond,
		},
	}, nil
}

// Calls returns the call counters.
func (p *Provider) Calls() (templates, images int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TemplateCalls, p.ImageCalls
}

// Reset clears call counters and custom responses for testing
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TemplateCalls = 0
	p.ImageCalls = 0
	p.TemplateResponse = nil
	p.TemplateError = nil
	p.ImageResponse = nil
	p.ImageError = nil
}
