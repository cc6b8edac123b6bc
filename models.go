package atxp2

import (
	"strings"
	"time"
)

const (
	// DefaultBaseURL 是 chat.atxp.ai 站点的默认地址。
	DefaultBaseURL = "https://chat.atxp.ai"

	// DefaultUserAgent 模拟浏览器请求头，刷新与聊天请求共用。
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	// AccessTokenTTL 是上游 access token 的有效期（15 分钟）。
	AccessTokenTTL = 15 * time.Minute

	// AnthropicNamespace 是 ATXP 端点上 Anthropic 模型的命名空间前缀。
	AnthropicNamespace = "anthropic/"
	// GoogleNamespace 是 Gemini 模型的命名空间前缀（端点目前不开放）。
	GoogleNamespace = "google/"

	// DefaultModelID 是未指定模型时的默认值。
	DefaultModelID = "claude-opus-4-6"
	// DefaultModelFullID 是带命名空间的默认模型 ID。
	DefaultModelFullID = AnthropicNamespace + DefaultModelID
)

// presetModelIDs 是 ATXP 端点支持的 Anthropic 模型（该端点仅支持
// Anthropic 模型，GPT/Gemini 会返回 "Invalid model spec"）。
var presetModelIDs = []string{
	"claude-opus-4-6",
	"claude-sonnet-4-6",
	"claude-sonnet-4-5",
	"claude-haiku-4-5",
}

type PresetModel struct {
	ID      string
	OwnedBy string
}

// PresetModels 返回内置的模型列表（用于 /v1/models 输出）。
// 返回的 ID 使用 AnthropicNamespace。
func PresetModels() []PresetModel {
	out := make([]PresetModel, 0, len(presetModelIDs))
	for _, id := range presetModelIDs {
		out = append(out, PresetModel{ID: AnthropicNamespace + id, OwnedBy: "anthropic"})
	}
	return out
}

// MapModelID 将 OpenAI 风格的模型名映射为上游需要的带命名空间写法。
// 已带 namespace 的输入原样透传（幂等）。
func MapModelID(modelID string) string {
	trimmed := strings.TrimSpace(modelID)
	if trimmed == "" {
		return DefaultModelFullID
	}
	if strings.Contains(trimmed, "/") {
		return trimmed
	}
	switch {
	case strings.HasPrefix(trimmed, "claude-"):
		return AnthropicNamespace + trimmed
	case strings.HasPrefix(trimmed, "gemini-"):
		return GoogleNamespace + trimmed
	default:
		// OpenAI 系列模型不需要前缀
		return trimmed
	}
}

// IsSupportedModelID 判断是否为受支持的模型 ID（支持带 namespace 的写法）。
func IsSupportedModelID(modelID string) bool {
	trimmed := strings.TrimSpace(modelID)
	if trimmed == "" {
		return false
	}
	normalized := strings.TrimPrefix(trimmed, AnthropicNamespace)
	for _, id := range presetModelIDs {
		if id == normalized {
			return true
		}
	}
	// 未在预置列表中的 claude 模型也放行，由上游做最终校验
	return strings.HasPrefix(normalized, "claude-")
}
