package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type campaignRequest struct {
	Brief    string `json:"brief" validate:"notblank,max=20"`
	Size     string `json:"size,omitempty" validate:"omitempty,oneof=1024x1024 1536x1024"`
	Audience string `validate:"omitempty,min=3"`
	Internal string `json:"-"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name string
		req  campaignRequest
		want map[string]string
	}{
		{
			name: "valid",
			req:  campaignRequest{Brief: "Spring sale", Size: "1024x1024"},
		},
		{
			name: "blank brief",
			req:  campaignRequest{Brief: " \t\n"},
			want: map[string]string{"brief": "brief is required"},
		},
		{
			name: "long brief",
			req:  campaignRequest{Brief: strings.Repeat("a", 21)},
			want: map[string]string{"brief": "brief must be at most 20 characters"},
		},
		{
			name: "unsupported size",
			req:  campaignRequest{Brief: "Spring sale", Size: "10x10"},
			want: map[string]string{"size": "size must be one of: 1024x1024, 1536x1024"},
		},
		{
			name: "untagged field uses lowercase name",
			req:  campaignRequest{Brief: "Spring sale", Audience: "ab"},
			want: map[string]string{"audience": "audience must be at least 3 characters"},
		},
		{
			name: "every failing field is reported",
			req:  campaignRequest{Size: "huge"},
			want: map[string]string{
				"brief": "brief is required",
				"size":  "size must be one of: 1024x1024, 1536x1024",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct("campaign.create", tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}

			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve), "got %T", err)
			assert.Equal(t, "campaign.create", ve.Op)
			assert.Equal(t, tt.want, ve.Fields)
		})
	}
}

func TestStruct_MaxCountsCharacters(t *testing.T) {
	// 20 multi-byte runes fit a max=20 limit.
	err := Struct("campaign.create", campaignRequest{Brief: strings.Repeat("é", 20)})
	assert.NoError(t, err)
}

func TestStruct_NonStructInput(t *testing.T) {
	err := Struct("campaign.create", "not a struct")
	require.Error(t, err)

	var ve *domain.ValidationError
	assert.False(t, errors.As(err, &ve))
}
