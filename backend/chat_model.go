package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/bwwq/atxp2"
)

const (
	maxInitRetries     = 3
	maxErrBodyBytes    = 8 << 10
	zeroParentMsgID    = "00000000-0000-0000-0000-000000000000"
	initBackoffUnit    = time.Second
	defaultInitTimeout = 30 * time.Second
)

// ErrUnsupportedRole 消息角色不在 system/user/assistant 范围内。
var ErrUnsupportedRole = errors.New("backend: unsupported role")

// ErrInvalidModel 上游拒绝了模型（ATXP 端点仅支持 Anthropic 模型）。
var ErrInvalidModel = errors.New("backend: model not available on this endpoint")

// UpstreamError 上游聊天调用失败，保留状态码与响应体摘要透传给客户端。
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error [%d]: %s", e.StatusCode, e.Body)
}

// IsAuthStatus 判断是否是 token 相关的认证失败（401/403），
// 这类失败应强制账号下次使用前刷新而不是禁用账号。
func (e *UpstreamError) IsAuthStatus() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type ChatModelConfig struct {
	// Model 带 namespace 的上游模型 ID（如 anthropic/claude-sonnet-4-6）。
	Model       string
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	UserAgent   string
	// InitTimeout 发起会话调用的超时，默认 30 秒。流式读取只受 ctx 控制。
	InitTimeout time.Duration
}

// ChatModel 是基于 ATXP 两步聊天流程的 Eino ChatModel 实现：
// 先 POST /api/agents/chat/ATXP 拿到 conversationId，
// 再 GET /api/agents/chat/stream/{conversationId} 读取 SSE 流。
type ChatModel struct {
	config ChatModelConfig
}

func NewChatModel(config ChatModelConfig) (*ChatModel, error) {
	if strings.TrimSpace(config.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if strings.TrimSpace(config.AccessToken) == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = atxp2.DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if strings.TrimSpace(config.UserAgent) == "" {
		config.UserAgent = atxp2.DefaultUserAgent
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = defaultInitTimeout
	}
	return &ChatModel{config: config}, nil
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	body, err := m.openStream(ctx, input)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	content, err := readChatSSE(ctx, body, nil)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(content, nil), nil
}

// Stream 打开上游流并惰性转发增量。发起会话阶段的错误同步返回，
// 方便调用方换账号重试；流已打开后的错误通过 StreamReader 传递。
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	body, err := m.openStream(ctx, input)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](64)
	go func() {
		defer sw.Close()
		defer body.Close()
		_, err := readChatSSE(ctx, body, func(delta string) error {
			if delta == "" {
				return nil
			}
			if closed := sw.Send(&schema.Message{Role: schema.Assistant, Content: delta}, nil); closed {
				return context.Canceled
			}
			return nil
		})
		if err != nil {
			sw.Send(nil, err)
		}
	}()
	return sr, nil
}

type ephemeralAgent struct {
	MCP         []string `json:"mcp"`
	WebSearch   bool     `json:"web_search"`
	FileSearch  bool     `json:"file_search"`
	ExecuteCode bool     `json:"execute_code"`
	Artifacts   bool     `json:"artifacts"`
}

// chatInitPayload 是 LibreChat agents 端点发起会话的请求体。
// 字段取值与站点网页端保持一致，上游会校验其中大部分。
type chatInitPayload struct {
	Text            string         `json:"text"`
	Sender          string         `json:"sender"`
	ClientTimestamp string         `json:"clientTimestamp"`
	IsCreatedByUser bool           `json:"isCreatedByUser"`
	ParentMessageID string         `json:"parentMessageId"`
	MessageID       string         `json:"messageId"`
	Error           bool           `json:"error"`
	Endpoint        string         `json:"endpoint"`
	EndpointType    string         `json:"endpointType"`
	Model           string         `json:"model"`
	ModelLabel      *string        `json:"modelLabel"`
	Spec            string         `json:"spec"`
	Key             string         `json:"key"`
	IsTemporary     bool           `json:"isTemporary"`
	IsRegenerate    bool           `json:"isRegenerate"`
	IsContinued     bool           `json:"isContinued"`
	ConversationID  *string        `json:"conversationId"`
	EphemeralAgent  ephemeralAgent `json:"ephemeralAgent"`
}

func (m *ChatModel) buildInitPayload(input []*schema.Message) (*chatInitPayload, error) {
	text, err := PromptFromMessages(input)
	if err != nil {
		return nil, err
	}
	return &chatInitPayload{
		Text:            text,
		Sender:          "User",
		ClientTimestamp: time.Now().Format("2006-01-02T15:04:05"),
		IsCreatedByUser: true,
		ParentMessageID: zeroParentMsgID,
		MessageID:       uuid.NewString(),
		Endpoint:        "ATXP",
		EndpointType:    "custom",
		Model:           m.config.Model,
		Spec:            m.config.Model,
		Key:             "never",
		IsTemporary:     true,
		EphemeralAgent: ephemeralAgent{
			MCP: []string{"sys__clear__sys"},
		},
	}, nil
}

// PromptFromMessages 将有序的对话消息翻译为上游需要的单段文本。
// system/user/assistant 按原顺序逐条映射，其他角色返回 ErrUnsupportedRole。
// 纯映射，无副作用。
func PromptFromMessages(input []*schema.Message) (string, error) {
	parts := make([]string, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		content := resolveMessageContent(msg)
		switch msg.Role {
		case schema.System:
			parts = append(parts, "[System] "+content)
		case schema.Assistant:
			parts = append(parts, "[Assistant] "+content)
		case schema.User:
			parts = append(parts, content)
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedRole, msg.Role)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if text == "" {
		return "", fmt.Errorf("no valid messages to send")
	}
	return text, nil
}

func resolveMessageContent(msg *schema.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if len(msg.UserInputMultiContent) > 0 {
		var builder strings.Builder
		for _, part := range msg.UserInputMultiContent {
			if part.Type == schema.ChatMessagePartTypeText {
				builder.WriteString(part.Text)
			}
		}
		return builder.String()
	}
	return ""
}

// openStream 执行两步流程，返回已就绪的 SSE 流。
// 429 并发限制按指数退避重试，最多 maxInitRetries 次。
func (m *ChatModel) openStream(ctx context.Context, input []*schema.Message) (io.ReadCloser, error) {
	payload, err := m.buildInitPayload(input)
	if err != nil {
		return nil, err
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat init request: %w", err)
	}

	conversationID, err := m.initChat(ctx, bodyBytes)
	if err != nil {
		return nil, err
	}
	log.Debugf("chat started: conv=%s model=%s", truncateID(conversationID), m.config.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.config.BaseURL+"/api/agents/chat/stream/"+conversationID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	m.setHeaders(req, false)

	resp, err := m.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

func (m *ChatModel) initChat(ctx context.Context, payload []byte) (string, error) {
	for attempt := 0; attempt < maxInitRetries; attempt++ {
		conversationID, retryable, err := m.initChatOnce(ctx, payload)
		if err == nil {
			return conversationID, nil
		}
		if !retryable || attempt == maxInitRetries-1 {
			return "", err
		}
		log.Warnf("chat init rate limited (attempt %d/%d), backing off", attempt+1, maxInitRetries)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(initBackoffUnit << attempt):
		}
	}
	return "", fmt.Errorf("max retries exceeded")
}

func (m *ChatModel) initChatOnce(ctx context.Context, payload []byte) (conversationID string, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.InitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.config.BaseURL+"/api/agents/chat/ATXP", bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("failed to build chat init request: %w", err)
	}
	m.setHeaders(req, true)

	resp, err := m.config.HTTPClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("chat init request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		return "", true, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		return "", false, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("failed to read chat init response: %w", err)
	}

	// 上游正常时返回 JSON（两步流程）；返回 SSE 往往意味着错误，
	// 例如不支持的模型会以 "Invalid model spec" 事件出现。
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return "", false, parseInitSSEError(body)
	}

	conversationID = gjson.GetBytes(body, "conversationId").String()
	if conversationID == "" {
		return "", false, &UpstreamError{StatusCode: resp.StatusCode, Body: "no conversationId in response"}
	}
	return conversationID, false, nil
}

func parseInitSSEError(body []byte) error {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if !gjson.Valid(data) {
			continue
		}
		if gjson.Get(data, "text").String() == "Invalid model spec" {
			return ErrInvalidModel
		}
		if gjson.Get(data, "error").Bool() {
			text := gjson.Get(data, "text").String()
			if text == "" {
				text = data
			}
			return &UpstreamError{StatusCode: http.StatusBadGateway, Body: text}
		}
	}
	return &UpstreamError{StatusCode: http.StatusBadGateway, Body: "unexpected response format"}
}

func (m *ChatModel) setHeaders(req *http.Request, withBody bool) {
	req.Header.Set("Authorization", "Bearer "+m.config.AccessToken)
	if withBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Origin", m.config.BaseURL)
	req.Header.Set("Referer", m.config.BaseURL+"/c/new")
	req.Header.Set("User-Agent", m.config.UserAgent)
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
