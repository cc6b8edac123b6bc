package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// readChatSSE 逐行读取 LibreChat agents 的 SSE 流，把文本增量按到达顺序
// 交给 onDelta，并返回拼接后的完整内容。
// 收到 [DONE] 或上游直接断流（EOF）都算正常结束：已产出的内容完整保留。
func readChatSSE(ctx context.Context, body io.Reader, onDelta func(string) error) (string, error) {
	reader := bufio.NewReader(body)
	var fullContent strings.Builder

	for {
		if ctx.Err() != nil {
			return fullContent.String(), ctx.Err()
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// 上游在最后一个内容事件后可能不发 [DONE] 直接关连接
				if done, handleErr := handleChatLine(line, &fullContent, onDelta); done || handleErr != nil {
					return fullContent.String(), handleErr
				}
				return fullContent.String(), nil
			}
			return fullContent.String(), err
		}

		if done, err := handleChatLine(line, &fullContent, onDelta); done || err != nil {
			return fullContent.String(), err
		}
	}
}

func handleChatLine(line string, fullContent *strings.Builder, onDelta func(string) error) (done bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return false, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return true, nil
	}
	if !gjson.Valid(data) {
		return false, nil
	}

	delta := extractDeltaText(data)
	if delta == "" {
		return false, nil
	}
	fullContent.WriteString(delta)
	if onDelta != nil {
		return false, onDelta(delta)
	}
	return false, nil
}

// extractDeltaText 从 on_message_delta 事件中提取文本增量。
//
// 格式: {"event":"on_message_delta","data":{"delta":{"content":[{"type":"text","text":"..."}]}}}
func extractDeltaText(data string) string {
	if gjson.Get(data, "event").String() != "on_message_delta" {
		return ""
	}
	var builder strings.Builder
	for _, part := range gjson.Get(data, "data.delta.content").Array() {
		if part.Get("type").String() == "text" {
			builder.WriteString(part.Get("text").String())
		}
	}
	return builder.String()
}
