package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bwwq/atxp2"
)

const (
	defaultRefreshTimeout = 15 * time.Second
	maxRefreshErrBytes    = 4 << 10
)

// HTTPRefresher 通过 POST {base}/api/auth/refresh 刷新 access token。
// 上游以 Cookie 携带 refreshToken，响应体为 {"token": "..."}；
// 轮换后的新 refreshToken 出现在 Set-Cookie 中。
type HTTPRefresher struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	// Timeout 单次刷新调用的超时，默认 15 秒；超时按 ErrRefreshUnavailable 处理。
	Timeout time.Duration
}

func NewHTTPRefresher(baseURL string, client *http.Client) *HTTPRefresher {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = atxp2.DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRefresher{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: client,
		UserAgent:  atxp2.DefaultUserAgent,
	}
}

// Refresh 执行一次刷新调用。4xx 归为 ErrRefreshRejected（凭证失效），
// 网络错误/超时/5xx 归为 ErrRefreshUnavailable（可退避重试）。
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, fmt.Errorf("%w: empty refresh token", ErrRefreshRejected)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/api/auth/refresh", bytes.NewReader([]byte("{}")))
	if err != nil {
		return Token{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Cookie", "refreshToken="+refreshToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("User-Agent", r.UserAgent)

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxRefreshErrBytes))
		trimmed := strings.TrimSpace(string(excerpt))
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return Token{}, fmt.Errorf("%w: status %d: %s", ErrRefreshRejected, resp.StatusCode, trimmed)
		}
		return Token{}, fmt.Errorf("%w: status %d: %s", ErrRefreshUnavailable, resp.StatusCode, trimmed)
	}

	// 成功响应整体读取，token 可能很长，不能按错误摘要截断
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}

	accessToken := gjson.GetBytes(body, "token").String()
	if accessToken == "" {
		return Token{}, fmt.Errorf("%w: no token in refresh response", ErrRefreshUnavailable)
	}

	return Token{
		AccessToken:  accessToken,
		ExpiresAt:    time.Now().Add(atxp2.AccessTokenTTL),
		RefreshToken: rotatedRefreshToken(resp.Header),
	}, nil
}

// rotatedRefreshToken 从 Set-Cookie 中提取轮换后的 refreshToken，没有则返回空。
func rotatedRefreshToken(h http.Header) string {
	for _, sc := range h.Values("Set-Cookie") {
		_, after, ok := strings.Cut(sc, "refreshToken=")
		if !ok {
			continue
		}
		value, _, _ := strings.Cut(after, ";")
		if value != "" {
			return value
		}
	}
	return ""
}
