package openaihttp

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bwwq/atxp2/backend"
	"github.com/bwwq/atxp2/pool"
)

func TestNormalizeBasePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: "/v1"},
		{in: "/v1", want: "/v1"},
		{in: "v1", want: "/v1"},
		{in: "/v1/", want: "/v1"},
		{in: "/api/v1", want: "/api/v1"},
		{in: "/", want: "/"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, normalizeBasePath(tc.in), "in=%q", tc.in)
	}
}

func TestJoinPath(t *testing.T) {
	require.Equal(t, "/v1/models", joinPath("/v1", "/models"))
	require.Equal(t, "/v1/models", joinPath("/v1/", "models"))
	require.Equal(t, "/models", joinPath("/", "models"))
	require.Equal(t, "/v1", joinPath("/v1", ""))
}

func TestRelayErrorStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "pool exhausted", err: pool.ErrPoolExhausted, wantStatus: http.StatusServiceUnavailable},
		{name: "refresh rejected", err: pool.ErrRefreshRejected, wantStatus: http.StatusBadGateway},
		{name: "refresh unavailable", err: pool.ErrRefreshUnavailable, wantStatus: http.StatusBadGateway},
		{name: "invalid model", err: backend.ErrInvalidModel, wantStatus: http.StatusBadRequest},
		{name: "unsupported role", err: backend.ErrUnsupportedRole, wantStatus: http.StatusBadRequest},
		{name: "upstream 429 passthrough", err: &backend.UpstreamError{StatusCode: 429, Body: "slow down"}, wantStatus: http.StatusTooManyRequests},
		{name: "upstream 401 passthrough", err: &backend.UpstreamError{StatusCode: 401, Body: "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "canceled", err: context.Canceled, wantStatus: 499},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, message := relayErrorStatus(tc.err)
			require.Equal(t, tc.wantStatus, status)
			require.NotEmpty(t, message)
		})
	}
}
