// Package openaihttp 提供基于 ATXP 账号池的 OpenAI v1 兼容 HTTP 处理器。
//
// 该包对外只暴露：
// - net/http 形式的 handlers（models/chat.completions/messages/status）
// - Gin 路由注册方法（含可选的 API key 中间件）
//
// 账号选取、token 刷新与健康记账都发生在这里与 pool 包的交互中：
// 与具体账号相关的失败（刷新被拒、上游 401/403）会透明换下一个账号重试，
// 至多遍历整池一轮；请求本身的问题（非法 JSON、不支持的角色）不会触碰账号池。
//
// 使用示例：
//
//	p, _ := pool.New(pool.Options{Store: store, Refresher: refresher})
//	r := gin.New()
//	_ = openaihttp.RegisterGinRoutes(r, openaihttp.Config{Pool: p, APIKey: "sk-xxx"})
package openaihttp
