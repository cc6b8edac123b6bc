package openaihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/bwwq/atxp2/backend"
	"github.com/bwwq/atxp2/openaiapi"
	"github.com/bwwq/atxp2/pool"
)

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOpenAIError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	var errType string
	switch statusCode {
	case http.StatusBadRequest:
		errType = "invalid_request_error"
	case http.StatusUnauthorized:
		errType = "invalid_request_error"
	case http.StatusNotFound:
		errType = "not_found_error"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case http.StatusServiceUnavailable:
		errType = "service_unavailable_error"
	default:
		errType = "api_error"
	}

	errResp := openaiapi.OpenAIError{}
	errResp.Error.Message = message
	errResp.Error.Type = errType
	_ = json.NewEncoder(w).Encode(errResp)
}

// relayErrorStatus 将中继/账号池错误映射为对客户端的状态码与消息。
func relayErrorStatus(err error) (int, string) {
	var upstreamErr *backend.UpstreamError
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "no available accounts"
	case errors.Is(err, pool.ErrRefreshRejected), errors.Is(err, pool.ErrRefreshUnavailable):
		return http.StatusBadGateway, "token error: " + err.Error()
	case errors.Is(err, backend.ErrInvalidModel):
		return http.StatusBadRequest, "model is not available on this endpoint"
	case errors.Is(err, backend.ErrUnsupportedRole):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &upstreamErr):
		if upstreamErr.StatusCode >= http.StatusBadRequest {
			return upstreamErr.StatusCode, "upstream error: " + upstreamErr.Body
		}
		return http.StatusBadGateway, "upstream error: " + upstreamErr.Body
	case errors.Is(err, context.Canceled):
		// 客户端已断开，状态码只写进日志
		return 499, "client closed request"
	default:
		return http.StatusBadGateway, "relay error: " + err.Error()
	}
}

func normalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	if basePath == "" {
		return "/"
	}
	return basePath
}

func joinPath(basePath, suffix string) string {
	basePath = normalizeBasePath(basePath)
	if suffix == "" {
		return basePath
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	// path.Join 会清理重复的 /，并保证结果以 / 开头
	return path.Join(basePath, suffix)
}
