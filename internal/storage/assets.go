package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxImageBytes bounds a stored generated image.
	MaxImageBytes = 20 * 1024 * 1024

	// DefaultURLExpiry is how long presigned asset URLs stay valid.
	DefaultURLExpiry = 24 * time.Hour
)

// StoredImage describes a generated image and its thumbnail after upload.
type StoredImage struct {
	ID           uuid.UUID `json:"id"`
	Key          string    `json:"key"`
	ThumbnailKey string    `json:"thumbnail_key"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url"`
	ContentType  string    `json:"content_type"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Size         int64     `json:"size"`
}

// StoredTemplate describes a generated template's uploaded HTML.
type StoredTemplate struct {
	ID  uuid.UUID `json:"id"`
	Key string    `json:"key"`
	URL string    `json:"url"`
}

// Assets stores generated output under organization-scoped keys.
type Assets struct {
	store      Storage
	thumbnails ThumbnailProcessor
	urlExpiry  time.Duration
	logger     *slog.Logger
}

// NewAssets creates an asset store on top of a storage provider.
func NewAssets(store Storage, logger *slog.Logger) *Assets {
	return &Assets{
		store:      store,
		thumbnails: NewImagingProcessor(),
		urlExpiry:  DefaultURLExpiry,
		logger:     logger,
	}
}

// SaveImage uploads a generated image and its thumbnail. If the thumbnail
// upload fails the image is removed again.
func (a *Assets) SaveImage(ctx context.Context, orgID uuid.UUID, data []byte, contentType string) (*StoredImage, error) {
	if !IsAllowedImageType(contentType) {
		return nil, &StorageError{Op: "SaveImage", Err: fmt.Errorf("%w: %s", ErrUnsupportedImage, contentType)}
	}

	thumb, width, height, err := a.thumbnails.GenerateThumbnail(bytes.NewReader(data), ThumbnailMaxWidth, ThumbnailMaxHeight)
	if err != nil {
		return nil, &StorageError{Op: "SaveImage", Err: err}
	}

	img := &StoredImage{
		ID:          uuid.New(),
		ContentType: baseType(contentType),
		Width:       width,
		Height:      height,
		Size:        int64(len(data)),
	}
	img.Key = ImageKey(orgID, img.ID, img.ContentType)
	img.ThumbnailKey = ThumbnailKey(orgID, img.ID)

	if err := a.store.Put(ctx, img.Key, bytes.NewReader(data), PutOptions{
		ContentType: img.ContentType,
		MaxSize:     MaxImageBytes,
	}); err != nil {
		return nil, err
	}
	if err := a.store.Put(ctx, img.ThumbnailKey, bytes.NewReader(thumb), PutOptions{
		ContentType: "image/jpeg",
	}); err != nil {
		if delErr := a.store.Delete(ctx, img.Key); delErr != nil {
			a.logger.Warn("failed to remove orphaned image", "key", img.Key, "error", delErr)
		}
		return nil, err
	}

	if img.URL, err = a.store.URL(ctx, img.Key, a.urlExpiry); err != nil {
		return nil, err
	}
	if img.ThumbnailURL, err = a.store.URL(ctx, img.ThumbnailKey, a.urlExpiry); err != nil {
		return nil, err
	}

	a.logger.Info("stored generated image",
		"organization_id", orgID,
		"image_id", img.ID,
		"size", img.Size,
		"width", width,
		"height", height,
	)
	return img, nil
}

// SaveTemplate uploads a generated template's HTML.
func (a *Assets) SaveTemplate(ctx context.Context, orgID uuid.UUID, html string) (*StoredTemplate, error) {
	tmpl := &StoredTemplate{ID: uuid.New()}
	tmpl.Key = TemplateKey(orgID, tmpl.ID)

	if err := a.store.Put(ctx, tmpl.Key, strings.NewReader(html), PutOptions{
		ContentType: "text/html; charset=utf-8",
	}); err != nil {
		return nil, err
	}

	url, err := a.store.URL(ctx, tmpl.Key, a.urlExpiry)
	if err != nil {
		return nil, err
	}
	tmpl.URL = url
	return tmpl, nil
}
