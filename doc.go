// Package atxp2 提供将 chat.atxp.ai 账号池转换为 OpenAI 兼容 API 的能力，
// 方便第三方程序以 OpenAI SDK 的方式调用 ATXP 端点上的 Anthropic 模型。
//
// 该仓库主要包含三类能力：
//  1. 账号池：pool 包负责账号文件加载/保存、access token 刷新（含
//     refreshToken 轮换持久化）、轮询选取与健康状态管理
//  2. 上游中继：backend 包实现 ATXP 两步聊天流程（发起会话 + SSE 流），
//     并以 Eino ChatModel 的形式暴露
//  3. HTTP 兼容层：openaihttp 包导出 /v1/models、/v1/chat/completions、
//     /v1/messages、/status handlers
package atxp2
