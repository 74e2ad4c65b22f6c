// This file implements the metered generation endpoints. Every request is
// admitted by the quota gate before a provider is called.
//
// Routes handled:
//   - POST /api/organizations/{orgID}/templates -> GenerateTemplate
//   - POST /api/organizations/{orgID}/images    -> GenerateImage
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/DukeRupert/mailsmith/internal/generation"
	"github.com/DukeRupert/mailsmith/internal/metrics"
	"github.com/DukeRupert/mailsmith/internal/quota"
	"github.com/DukeRupert/mailsmith/internal/storage"
	"github.com/DukeRupert/mailsmith/internal/validation"
	"github.com/google/uuid"
)

// Admitter runs metered operations. *quota.Gate implements it.
type Admitter interface {
	Run(ctx context.Context, orgID uuid.UUID, metric domain.Metric, op quota.Operation) error
}

// AssetStore persists generated output.
type AssetStore interface {
	SaveTemplate(ctx context.Context, orgID uuid.UUID, html string) (*storage.StoredTemplate, error)
	SaveImage(ctx context.Context, orgID uuid.UUID, data []byte, contentType string) (*storage.StoredImage, error)
}

// GenerationHandler handles template and image generation requests.
type GenerationHandler struct {
	gate      Admitter
	templates generation.TemplateGenerator
	images    generation.ImageGenerator
	assets    AssetStore
	logger    *slog.Logger
}

// NewGenerationHandler creates a new GenerationHandler.
func NewGenerationHandler(
	gate Admitter,
	templates generation.TemplateGenerator,
	images generation.ImageGenerator,
	assets AssetStore,
	logger *slog.Logger,
) *GenerationHandler {
	return &GenerationHandler{
		gate:      gate,
		templates: templates,
		images:    images,
		assets:    assets,
		logger:    logger,
	}
}

// RegisterRoutes registers generation routes.
func (h *GenerationHandler) RegisterRoutes(mux *http.ServeMux, member func(http.Handler) http.Handler) {
	mux.Handle("POST /api/organizations/{orgID}/templates", member(http.HandlerFunc(h.GenerateTemplate)))
	mux.Handle("POST /api/organizations/{orgID}/images", member(http.HandlerFunc(h.GenerateImage)))
}

// =============================================================================
// Templates
// =============================================================================

// GenerateTemplateRequest is the request body for template generation.
type GenerateTemplateRequest struct {
	Brief    string `json:"brief" validate:"notblank,max=4000"`
	Tone     string `json:"tone,omitempty" validate:"omitempty,max=100"`
	Audience string `json:"audience,omitempty" validate:"omitempty,max=500"`
}

// TemplateResponse is a generated, stored template.
type TemplateResponse struct {
	ID        uuid.UUID `json:"id"`
	Subject   string    `json:"subject"`
	Preheader string    `json:"preheader"`
	HTML      string    `json:"html"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	Model     string    `json:"model"`
}

// GenerateTemplate generates and stores an email template.
func (h *GenerationHandler) GenerateTemplate(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req GenerateTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if err := validation.Struct("generation.template", req); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	params := generation.TemplateParams{
		OrganizationID: orgID,
		Brief:          req.Brief,
		Tone:           req.Tone,
		Audience:       req.Audience,
	}

	var resp TemplateResponse
	err = h.gate.Run(r.Context(), orgID, domain.MetricTemplate, func(ctx context.Context) error {
		tmpl, err := h.templates.GenerateTemplate(ctx, params)
		if err != nil {
			return err
		}
		metrics.AITokens(tmpl.Usage.InputTokens, tmpl.Usage.OutputTokens)
		stored, err := h.assets.SaveTemplate(ctx, orgID, tmpl.HTML)
		if err != nil {
			return err
		}

		resp = TemplateResponse{
			ID:        stored.ID,
			Subject:   tmpl.Subject,
			Preheader: tmpl.Preheader,
			HTML:      tmpl.HTML,
			Text:      tmpl.Text,
			URL:       stored.URL,
			Model:     tmpl.Usage.Model,
		}
		return nil
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("template generated",
		"organization_id", orgID,
		"template_id", resp.ID,
		"model", resp.Model,
	)
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// Images
// =============================================================================

// GenerateImageRequest is the request body for image generation.
type GenerateImageRequest struct {
	Prompt string `json:"prompt" validate:"notblank,max=2000"`
	Size   string `json:"size,omitempty" validate:"omitempty,oneof=1024x1024 1024x1536 1536x1024"`
}

// ImageResponse is a generated, stored image.
type ImageResponse struct {
	ID           uuid.UUID `json:"id"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url"`
	ContentType  string    `json:"content_type"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Size         int64     `json:"size"`
	Model        string    `json:"model"`
	Premium      bool      `json:"premium"`
}

// GenerateImage generates an image, stores it with a thumbnail and returns
// their URLs. Plans with the premium image model get it automatically.
func (h *GenerationHandler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDFromPath(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req GenerateImageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if err := validation.Struct("generation.image", req); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}
	if req.Size == "" {
		req.Size = generation.DefaultSize
	}

	params := generation.ImageParams{
		OrganizationID: orgID,
		Prompt:         req.Prompt,
		Size:           req.Size,
	}

	var resp ImageResponse
	err = h.gate.Run(r.Context(), orgID, domain.MetricImage, func(ctx context.Context) error {
		if ent, ok := quota.EntitlementFrom(ctx); ok {
			params.Premium = ent.Limits.HasPremiumImageModel
		}

		img, err := h.images.GenerateImage(ctx, params)
		if err != nil {
			return err
		}
		stored, err := h.assets.SaveImage(ctx, orgID, img.Data, img.ContentType)
		if err != nil {
			return err
		}

		resp = ImageResponse{
			ID:           stored.ID,
			URL:          stored.URL,
			ThumbnailURL: stored.ThumbnailURL,
			ContentType:  stored.ContentType,
			Width:        stored.Width,
			Height:       stored.Height,
			Size:         stored.Size,
			Model:        img.Usage.Model,
			Premium:      params.Premium,
		}
		return nil
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("image generated",
		"organization_id", orgID,
		"image_id", resp.ID,
		"model", resp.Model,
		"premium", resp.Premium,
	)
	writeJSON(w, http.StatusCreated, resp)
}
