package pool_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bwwq/atxp2/pool"
)

func TestHTTPRefresher_OK(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/refresh", r.URL.Path)
		require.Equal(t, "refreshToken=rt-old", r.Header.Get("Cookie"))
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{"token": "at-new"}`)
	}))
	t.Cleanup(upstream.Close)

	r := pool.NewHTTPRefresher(upstream.URL, upstream.Client())
	token, err := r.Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-new", token.AccessToken)
	require.Empty(t, token.RefreshToken)
	require.True(t, token.ExpiresAt.After(time.Now().Add(10*time.Minute)))
}

func TestHTTPRefresher_RotatedRefreshToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "rt-new", Path: "/", HttpOnly: true})
		fmt.Fprint(w, `{"token": "at-new"}`)
	}))
	t.Cleanup(upstream.Close)

	r := pool.NewHTTPRefresher(upstream.URL, upstream.Client())
	token, err := r.Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "rt-new", token.RefreshToken)
}

func TestHTTPRefresher_LargeTokenNotTruncated(t *testing.T) {
	// JWT 可能远超错误摘要的截断长度
	longToken := strings.Repeat("x", 6<<10)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"token":%q}`, longToken)
	}))
	t.Cleanup(upstream.Close)

	r := pool.NewHTTPRefresher(upstream.URL, upstream.Client())
	token, err := r.Refresh(context.Background(), "rt")
	require.NoError(t, err)
	require.Equal(t, longToken, token.AccessToken)
}

func TestHTTPRefresher_RejectedOn4xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(upstream.Close)

	r := pool.NewHTTPRefresher(upstream.URL, upstream.Client())
	_, err := r.Refresh(context.Background(), "rt-bad")
	require.ErrorIs(t, err, pool.ErrRefreshRejected)
}

func TestHTTPRefresher_UnavailableOn5xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	}))
	t.Cleanup(upstream.Close)

	r := pool.NewHTTPRefresher(upstream.URL, upstream.Client())
	_, err := r.Refresh(context.Background(), "rt")
	require.ErrorIs(t, err, pool.ErrRefreshUnavailable)
}

func TestHTTPRefresher_UnavailableOnNetworkError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	r := pool.NewHTTPRefresher(upstream.URL, nil)
	_, err := r.Refresh(context.Background(), "rt")
	require.ErrorIs(t, err, pool.ErrRefreshUnavailable)
}

func TestHTTPRefresher_UnavailableOnMissingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message": "ok but no token"}`)
	}))
	t.Cleanup(upstream.Close)

	r := pool.NewHTTPRefresher(upstream.URL, upstream.Client())
	_, err := r.Refresh(context.Background(), "rt")
	require.ErrorIs(t, err, pool.ErrRefreshUnavailable)
}

func TestHTTPRefresher_RejectsEmptyRefreshToken(t *testing.T) {
	r := pool.NewHTTPRefresher("http://127.0.0.1:0", nil)
	_, err := r.Refresh(context.Background(), "  ")
	require.ErrorIs(t, err, pool.ErrRefreshRejected)
}
