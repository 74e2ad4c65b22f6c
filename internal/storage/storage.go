// Package storage persists generated assets for mailsmith.
//
// This package defines a Storage interface with implementations for:
// - LocalStorage: File system storage for development
// - R2Storage: Cloudflare R2 (S3-compatible) storage for production
//
// Generated images are stored next to a JPEG thumbnail; generated templates
// are stored as HTML. Keys are always scoped by organization.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage defines the interface for file storage operations.
//
// All methods are context-aware for timeout and cancellation support.
type Storage interface {
	// Put stores data at the specified key with the given options.
	// Returns ErrKeyExists if the key already exists (unless opts.Overwrite).
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get opens the object at key. The caller must close the reader.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at the specified key.
	// This operation is idempotent.
	Delete(ctx context.Context, key string) error

	// URL returns a URL for accessing the object at the specified key.
	// Private objects get a presigned URL valid for expires.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType specifies the MIME type of the object.
	// If empty, it is detected from the key's extension.
	ContentType string

	// MaxSize is the maximum allowed size in bytes. 0 means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration Types
// =============================================================================

// Config selects and configures a storage provider.
type Config struct {
	Provider string // ProviderLocal or ProviderR2
	Local    LocalConfig
	R2       R2Config
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where files are stored.
	// Example: "./storage" or "/var/lib/mailsmith/files"
	BasePath string

	// BaseURL is prepended to keys to build file URLs. Pointing it at the
	// API root makes URLs land on the member-only file routes.
	// Example: "http://localhost:8080/api"
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the public URL for the bucket (custom domain).
	// If empty, presigned URLs are used for all access.
	PublicURL string

	// Region defaults to "auto"; R2 is globally distributed.
	Region string

	// Endpoint overrides the account endpoint, used for S3-compatible test servers.
	Endpoint string
}

// =============================================================================
// Provider Constants
// =============================================================================

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 storage provider.
	ProviderR2 = "r2"
)

// New creates the storage provider named by cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalStorage(cfg.Local, logger)
	case ProviderR2:
		return NewR2Storage(cfg.R2, logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// =============================================================================
// Keys
// =============================================================================

// Asset kinds. Each is one path segment under an organization's prefix.
const (
	KindImages     = "images"
	KindThumbnails = "thumbnails"
	KindTemplates  = "templates"
)

// ImageKey generates a storage key for a generated image.
// Format: organizations/{orgID}/images/{imageID}.{ext}
func ImageKey(orgID, imageID uuid.UUID, contentType string) string {
	return organizationPrefix(orgID, KindImages) + imageID.String() + extensionForContentType(contentType)
}

// ThumbnailKey generates a storage key for an image thumbnail.
// Thumbnails are always JPEG.
// Format: organizations/{orgID}/thumbnails/{imageID}.jpg
func ThumbnailKey(orgID, imageID uuid.UUID) string {
	return organizationPrefix(orgID, KindThumbnails) + imageID.String() + ".jpg"
}

// TemplateKey generates a storage key for a generated template's HTML.
// Format: organizations/{orgID}/templates/{templateID}.html
func TemplateKey(orgID, templateID uuid.UUID) string {
	return organizationPrefix(orgID, KindTemplates) + templateID.String() + ".html"
}

// OrganizationKey returns the key of file name under the organization's kind
// prefix. name must be a single path element.
func OrganizationKey(orgID uuid.UUID, kind, name string) (string, error) {
	switch kind {
	case KindImages, KindThumbnails, KindTemplates:
	default:
		return "", ErrInvalidKey
	}
	if strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidKey
	}
	key := organizationPrefix(orgID, kind) + name
	if err := checkKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func organizationPrefix(orgID uuid.UUID, kind string) string {
	return "organizations/" + orgID.String() + "/" + kind + "/"
}

// checkKey accepts slash-separated relative keys with no empty, "." or ".."
// segments.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// cappedReader fails with ErrTooLarge once more than max bytes are read.
type cappedReader struct {
	r    io.Reader
	max  int64
	read int64
}

// capReader limits r to max bytes. max <= 0 disables the limit.
func capReader(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return &cappedReader{r: r, max: max}
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, ErrTooLarge
	}
	return n, err
}
