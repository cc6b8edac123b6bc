package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func deltaEvent(text string) string {
	return `data: {"event":"on_message_delta","data":{"delta":{"content":[{"type":"text","text":"` + text + `"}]}}}` + "\n\n"
}

func TestReadChatSSE_DeltaAndDone(t *testing.T) {
	body := strings.NewReader(deltaEvent("hel") + deltaEvent("lo") + "data: [DONE]\n\n")

	var deltas []string
	content, err := readChatSSE(context.Background(), body, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "hello", content)
	require.Equal(t, []string{"hel", "lo"}, deltas)
}

func TestReadChatSSE_AbruptEOFKeepsContent(t *testing.T) {
	// 上游不发 [DONE] 直接断流，且最后一行没有换行
	body := strings.NewReader(deltaEvent("partial ") + `data: {"event":"on_message_delta","data":{"delta":{"content":[{"type":"text","text":"answer"}]}}}`)

	content, err := readChatSSE(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "partial answer", content)
}

func TestReadChatSSE_IgnoresOtherEvents(t *testing.T) {
	body := strings.NewReader("" +
		`data: {"event":"on_run_step","data":{}}` + "\n\n" +
		": heartbeat\n\n" +
		"event: message\n" +
		deltaEvent("ok") +
		`data: {"event":"on_message_delta","data":{"delta":{"content":[{"type":"think","think":"x"}]}}}` + "\n\n" +
		"data: [DONE]\n\n")

	content, err := readChatSSE(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", content)
}

func TestReadChatSSE_StopsAtDone(t *testing.T) {
	body := strings.NewReader(deltaEvent("before") + "data: [DONE]\n\n" + deltaEvent("after"))

	content, err := readChatSSE(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "before", content)
}

func TestReadChatSSE_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := readChatSSE(ctx, strings.NewReader(deltaEvent("x")), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReadChatSSE_OnDeltaErrorStopsReading(t *testing.T) {
	body := strings.NewReader(deltaEvent("a") + deltaEvent("b") + "data: [DONE]\n\n")

	calls := 0
	_, err := readChatSSE(context.Background(), body, func(string) error {
		calls++
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestExtractDeltaText_MultipleTextParts(t *testing.T) {
	data := `{"event":"on_message_delta","data":{"delta":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}}`
	require.Equal(t, "ab", extractDeltaText(data))
}
