package openaihttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/bwwq/atxp2/openaihttp"
)

func newMessagesHandler(t *testing.T, upstream *fakeUpstream) http.HandlerFunc {
	t.Helper()
	h, err := openaihttp.ClaudeMessagesHandler(openaihttp.Config{
		BaseURL:    upstream.server.URL,
		HTTPClient: upstream.server.Client(),
		Pool:       newTestPool(t, upstream, "a@example.com"),
	})
	require.NoError(t, err)
	return h
}

func TestClaudeMessages_NonStream(t *testing.T) {
	upstream := newFakeUpstream(t, "the answer")
	h := newMessagesHandler(t, upstream)

	body := `{"model":"claude-opus-4-6","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Role       string `json:"role"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.ID, "msg_"))
	require.Equal(t, "message", resp.Type)
	require.Equal(t, "assistant", resp.Role)
	require.Equal(t, "claude-opus-4-6", resp.Model)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "the answer", resp.Content[0].Text)
}

func TestClaudeMessages_SystemAndContentParts(t *testing.T) {
	upstream := newFakeUpstream(t, "ok")
	h := newMessagesHandler(t, upstream)

	body := `{
		"model": "claude-sonnet-4-6",
		"system": [{"type":"text","text":"be brief"}],
		"messages": [{"role":"user","content":[{"type":"text","text":"hi"}]}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestClaudeMessages_Validation(t *testing.T) {
	upstream := newFakeUpstream(t)
	h := newMessagesHandler(t, upstream)

	cases := []struct {
		name string
		body string
	}{
		{name: "missing model", body: `{"messages":[{"role":"user","content":"hi"}]}`},
		{name: "missing messages", body: `{"model":"claude-opus-4-6"}`},
		{name: "unsupported model", body: `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`},
		{name: "unsupported role", body: `{"model":"claude-opus-4-6","messages":[{"role":"tool","content":"x"}]}`},
		{name: "bad json", body: `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			h(w, req)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp struct {
				Type  string `json:"type"`
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Equal(t, "error", resp.Type)
			require.Equal(t, "invalid_request_error", resp.Error.Type)
		})
	}
}

func TestClaudeMessages_MethodNotAllowed(t *testing.T) {
	upstream := newFakeUpstream(t)
	h := newMessagesHandler(t, upstream)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestClaudeMessages_Stream(t *testing.T) {
	upstream := newFakeUpstream(t, "he", "llo")
	h := newMessagesHandler(t, upstream)

	body := `{"model":"claude-opus-4-6","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	out := w.Body.String()
	var events []string
	for _, line := range strings.Split(out, "\n") {
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, after)
		}
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, events)
	require.Contains(t, out, `"text":"he"`)
	require.Contains(t, out, `"text":"llo"`)
	require.Contains(t, out, `"stop_reason":"end_turn"`)
}

func TestClaudeMessages_StreamFailureLoggedAndTerminated(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	upstream := newFakeUpstream(t, "partial")
	upstream.abortMidStream = true
	h := newMessagesHandler(t, upstream)

	body := `{"model":"claude-opus-4-6","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)

	// 上游断流也要给客户端完整的终止序列
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	require.Contains(t, out, `"text":"partial"`)
	require.Contains(t, out, "event: content_block_stop")
	require.Contains(t, out, "event: message_stop")

	// 流中失败要落日志，不能无声吞掉
	var logged bool
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, "ended with error") {
			logged = true
		}
	}
	require.True(t, logged, "mid-stream failure should be logged")
}
