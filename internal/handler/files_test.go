package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DukeRupert/mailsmith/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeFile_GeneratedTemplate(t *testing.T) {
	srv := newTestServer(t)
	orgID := srv.createOrg(t)

	rec := srv.do(t, http.MethodPost, "/api/organizations/"+orgID.String()+"/templates",
		GenerateTemplateRequest{Brief: "Announce our spring sale"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tmpl TemplateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tmpl))
	require.True(t, strings.HasPrefix(tmpl.URL, testBaseURL+"/api/organizations/"), tmpl.URL)

	rec = srv.do(t, http.MethodGet, strings.TrimPrefix(tmpl.URL, testBaseURL), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, tmpl.HTML, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "private, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "sandbox")
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))
}

func TestServeFile_GeneratedImageAndThumbnail(t *testing.T) {
	srv := newTestServer(t)
	orgID := srv.createOrg(t)

	rec := srv.do(t, http.MethodPost, "/api/organizations/"+orgID.String()+"/images",
		GenerateImageRequest{Prompt: "A lighthouse at dawn"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var img ImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &img))

	tests := []struct {
		url         string
		contentType string
	}{
		{img.URL, "image/png"},
		{img.ThumbnailURL, "image/jpeg"},
	}
	for _, tt := range tests {
		rec := srv.do(t, http.MethodGet, strings.TrimPrefix(tt.url, testBaseURL), nil)
		require.Equal(t, http.StatusOK, rec.Code, tt.url)
		assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
		assert.NotZero(t, rec.Body.Len())
		assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
	}
}

func TestServeFile_ScopedToOrganization(t *testing.T) {
	srv := newTestServer(t)
	owner := srv.createOrg(t)
	other := srv.createOrg(t)

	rec := srv.do(t, http.MethodPost, "/api/organizations/"+owner.String()+"/templates",
		GenerateTemplateRequest{Brief: "Quarterly update"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tmpl TemplateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tmpl))

	name := tmpl.ID.String() + ".html"
	tests := []struct {
		name string
		path string
	}{
		{"other organization", "/api/organizations/" + other.String() + "/templates/" + name},
		{"wrong kind", "/api/organizations/" + owner.String() + "/images/" + name},
		{"missing file", "/api/organizations/" + owner.String() + "/templates/" + uuid.NewString() + ".html"},
		{"encoded backslash", "/api/organizations/" + owner.String() + "/templates/..%5C" + name},
		{"malformed organization", "/api/organizations/not-a-uuid/templates/" + name},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

// brokenStorage fails every read with a provider error.
type brokenStorage struct {
	storage.Storage
}

func (brokenStorage) Get(context.Context, string) (io.ReadCloser, storage.ObjectInfo, error) {
	return nil, storage.ObjectInfo{}, errors.New("bucket unreachable")
}

func TestServeFile_StorageFailure(t *testing.T) {
	mux := http.NewServeMux()
	passthrough := func(next http.Handler) http.Handler { return next }
	NewFileHandler(brokenStorage{}, testLogger()).RegisterRoutes(mux, passthrough)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/organizations/"+uuid.NewString()+"/images/"+uuid.NewString()+".png", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "bucket unreachable")
}

func TestServeFile_HeadOmitsBody(t *testing.T) {
	orgID := uuid.New()
	local, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()}, testLogger())
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, local.Put(context.Background(), storage.TemplateKey(orgID, id), strings.NewReader("<p>Hi</p>"), storage.PutOptions{}))

	mux := http.NewServeMux()
	NewFileHandler(local, testLogger()).RegisterRoutes(mux, func(next http.Handler) http.Handler { return next })

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodHead,
		"/api/organizations/"+orgID.String()+"/templates/"+id.String()+".html", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}
