package storage

import (
	"mime"
	"path/filepath"
	"strings"
)

// DetectContentType determines the MIME type of a key.
//
// The provided type wins; otherwise the extension is looked up, falling back
// to "application/octet-stream".
func DetectContentType(providedType, key string) string {
	if providedType != "" {
		return providedType
	}

	ext := strings.ToLower(filepath.Ext(key))
	if ext == ".html" {
		return "text/html; charset=utf-8"
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}

	return "application/octet-stream"
}

// AllowedImageTypes defines the MIME types accepted from image providers.
// Every entry must be decodable by imaging for thumbnails.
var AllowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// IsAllowedImageType checks if a content type is an allowed image format.
func IsAllowedImageType(contentType string) bool {
	return AllowedImageTypes[baseType(contentType)]
}

// baseType strips parameters like charset and normalizes case.
func baseType(contentType string) string {
	base := strings.Split(contentType, ";")[0]
	return strings.TrimSpace(strings.ToLower(base))
}

// extensionForContentType returns a common file extension for a MIME type.
func extensionForContentType(contentType string) string {
	switch baseType(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "text/html":
		return ".html"
	}

	exts, err := mime.ExtensionsByType(contentType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}

	return ".bin"
}
