package openaihttp

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterGinRoutes 注册全部路由。配置了 APIKey 时 /v1 下的路由
// 要求 Bearer 鉴权，/status 始终豁免。
func RegisterGinRoutes(r gin.IRouter, cfg Config) error {
	if r == nil {
		return fmt.Errorf("router is nil")
	}
	modelsHandler, chatHandler, statusHandler, err := Handlers(cfg)
	if err != nil {
		return err
	}
	claudeHandler, err := ClaudeMessagesHandler(cfg)
	if err != nil {
		return err
	}

	basePath := normalizeBasePath(cfg.BasePath)
	auth := apiKeyMiddleware(cfg.APIKey)
	r.GET(joinPath(basePath, "/models"), auth, gin.WrapF(modelsHandler))
	r.POST(joinPath(basePath, "/chat/completions"), auth, gin.WrapF(chatHandler))
	r.POST(joinPath(basePath, "/messages"), auth, gin.WrapF(claudeHandler))
	r.GET("/status", gin.WrapF(statusHandler))
	return nil
}

// apiKeyMiddleware 校验 Authorization: Bearer <key>。
// 空 key 表示不鉴权。
func apiKeyMiddleware(apiKey string) gin.HandlerFunc {
	apiKey = strings.TrimSpace(apiKey)
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(apiKey)) != 1 {
			writeOpenAIError(c.Writer, 401, "invalid or missing API key")
			c.Abort()
			return
		}
		c.Next()
	}
}
