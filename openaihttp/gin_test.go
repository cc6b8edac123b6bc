package openaihttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/bwwq/atxp2/openaiapi"
	"github.com/bwwq/atxp2/openaihttp"
)

func newTestRouter(t *testing.T, apiKey string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	upstream := newFakeUpstream(t)
	r := gin.New()
	err := openaihttp.RegisterGinRoutes(r, openaihttp.Config{
		BaseURL:    upstream.server.URL,
		HTTPClient: upstream.server.Client(),
		Pool:       newTestPool(t, upstream, "a@example.com"),
		APIKey:     apiKey,
	})
	require.NoError(t, err)
	return r
}

func TestRegisterGinRoutes_NilRouter(t *testing.T) {
	err := openaihttp.RegisterGinRoutes(nil, openaihttp.Config{})
	require.Error(t, err)
}

func TestRegisterGinRoutes_NoAuthByDefault(t *testing.T) {
	r := newTestRouter(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterGinRoutes_APIKeyRequired(t *testing.T) {
	r := newTestRouter(t, "sk-secret")

	// 无 key 拒绝
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var resp openaiapi.OpenAIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.Error.Message, "API key")

	// 错 key 拒绝
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-wrong")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// 正确 key 放行
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterGinRoutes_StatusExemptFromAuth(t *testing.T) {
	r := newTestRouter(t, "sk-secret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterGinRoutes_CustomBasePath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := newFakeUpstream(t)
	r := gin.New()
	err := openaihttp.RegisterGinRoutes(r, openaihttp.Config{
		BasePath:   "/api/v1",
		BaseURL:    upstream.server.URL,
		HTTPClient: upstream.server.Client(),
		Pool:       newTestPool(t, upstream, "a@example.com"),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
