package mock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/DukeRupert/mailsmith/internal/generation"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_GenerateTemplate(t *testing.T) {
	p := New(slog.Default())

	tmpl, err := p.GenerateTemplate(context.Background(), generation.TemplateParams{Brief: "Spring sale"})
	require.NoError(t, err)
	assert.Contains(t, tmpl.HTML, "Spring sale")
	assert.Contains(t, tmpl.Text, "{{unsubscribe_url}}")

	_, err = p.GenerateTemplate(context.Background(), generation.TemplateParams{})
	assert.ErrorIs(t, err, generation.EGenInvalidInput)

	templates, images := p.Calls()
	assert.Equal(t, 2, templates)
	assert.Equal(t, 0, images)
}

func TestProvider_GenerateImage(t *testing.T) {
	p := New(slog.Default())

	img, err := p.GenerateImage(context.Background(), generation.ImageParams{Prompt: "a lighthouse", Size: "1536x1024"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)

	decoded, err := imaging.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, 96, decoded.Bounds().Dx())
	assert.Equal(t, 64, decoded.Bounds().Dy())
}

func TestProvider_ConfiguredError(t *testing.T) {
	p := New(slog.Default())
	p.ImageError = generation.EGenContentPolicy

	_, err := p.GenerateImage(context.Background(), generation.ImageParams{Prompt: "x"})
	assert.True(t, errors.Is(err, generation.EGenContentPolicy))

	p.Reset()
	_, err = p.GenerateImage(context.Background(), generation.ImageParams{Prompt: "x"})
	assert.NoError(t, err)
	_, images := p.Calls()
	assert.Equal(t, 1, images)
}
