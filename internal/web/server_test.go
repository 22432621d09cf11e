package web

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

var (
	ginModeOnce sync.Once
)

func setupGinTestMode() {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.TestMode)
	})
}

func TestAllowCORS(t *testing.T) {
	setupGinTestMode()
	t.Parallel()

	tests := []struct {
		name           string
		method         string
		origin         string
		expectedStatus int
		expectedCORS   bool
	}{
		{"No origin header", http.MethodGet, "", http.StatusOK, false},
		{"Subdomain GET", http.MethodGet, "https://app.example.com", http.StatusOK, true},
		{"Main domain", http.MethodGet, "https://example.com", http.StatusOK, true},
		{"Subdomain preflight", http.MethodOptions, "https://app.example.com", http.StatusNoContent, true},
		{"Invalid preflight", http.MethodOptions, "https://evil.com", http.StatusForbidden, false},
		{"Invalid GET", http.MethodGet, "https://evil.com", http.StatusOK, false},
		{"Suffix trick", http.MethodGet, "https://example.com.evil.com", http.StatusOK, false},
		{"Not a subdomain", http.MethodGet, "https://notexample.com", http.StatusOK, false},
		{"Case insensitive", http.MethodGet, "https://App.EXAMPLE.com", http.StatusOK, true},
		{"Malformed", http.MethodGet, "not-a-valid-url", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(allowCORS([]string{" Example.com ", ""}))
			router.Any("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"message": "success"})
			})

			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, "Status code mismatch")
			if tt.expectedCORS {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestAllowCORSNoDomains(t *testing.T) {
	setupGinTestMode()

	router := gin.New()
	router.Use(allowCORS(nil))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
