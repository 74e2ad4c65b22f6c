package middleware

import (
	"net/http"
	"time"

	"github.com/rs/cors"
)

// NewCORS returns middleware allowing the web client origins to call the API
// with bearer tokens. An empty list allows no cross-origin requests; cors
// itself would treat it as "*".
func NewCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
		},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	})
	return c.Handler
}
