package openaihttp

import (
	"net/http"
	"time"

	"github.com/bwwq/atxp2/pool"
)

type Config struct {
	// BasePath 仅用于 Gin 注册路由时拼接路径，默认 "/v1"。
	BasePath string
	// BaseURL ATXP 站点地址，默认 atxp2.DefaultBaseURL。
	BaseURL string
	// HTTPClient 可选，nil 时内部使用 &http.Client{}。
	HTTPClient *http.Client
	// Pool 必填：账号池。
	Pool *pool.Pool
	// APIKey 可选：非空时 /v1 下的路由要求 Authorization: Bearer <APIKey>；
	// /status 不受影响。
	APIKey string
	// Now 便于测试注入时钟，默认 time.Now。
	Now func() time.Time
}
