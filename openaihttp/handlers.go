package openaihttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/bwwq/atxp2"
	"github.com/bwwq/atxp2/backend"
	"github.com/bwwq/atxp2/openaiapi"
	"github.com/bwwq/atxp2/pool"
)

// chatModel 抽象上游中继，便于测试替换。
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error)
}

type chatModelFactory func(accessToken, upstreamModel string) (chatModel, error)

// Handlers 构建 net/http 形式的处理器。
func Handlers(cfg Config) (modelsHandler, chatHandler, statusHandler http.HandlerFunc, err error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	compat, err := newCompatHandler(compatConfig{
		Now:               resolved.Now,
		NewChatCompletion: openaiapi.NewChatCompletionID,
		WriteJSON:         writeJSON,
		WriteOpenAIError:  writeOpenAIError,
		Relay:             newRelayCore(resolved),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return compat.handleModels, compat.handleChatCompletions, compat.handleStatus, nil
}

// ClaudeMessagesHandler 构建 Anthropic /v1/messages 兼容处理器。
func ClaudeMessagesHandler(cfg Config) (http.HandlerFunc, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	h, err := newClaudeCompatHandler(claudeCompatConfig{
		Relay:      newRelayCore(resolved),
		WriteJSON:  writeJSON,
		WriteError: writeClaudeError,
	})
	if err != nil {
		return nil, err
	}
	return h.handleMessages, nil
}

type resolvedConfig struct {
	BasePath   string
	BaseURL    string
	HTTPClient *http.Client
	Pool       *pool.Pool
	APIKey     string
	Now        func() time.Time
}

func resolveConfig(cfg Config) (resolvedConfig, error) {
	if cfg.Pool == nil {
		return resolvedConfig{}, fmt.Errorf("Pool is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = atxp2.DefaultBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return resolvedConfig{
		BasePath:   normalizeBasePath(cfg.BasePath),
		BaseURL:    baseURL,
		HTTPClient: client,
		Pool:       cfg.Pool,
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Now:        now,
	}, nil
}

// relayCore 把账号池与上游中继粘在一起：选账号、保 token 新鲜、
// 与账号相关的失败换下一个账号重试（至多一整轮）。
type relayCore struct {
	pool         *pool.Pool
	newChatModel chatModelFactory
}

func newRelayCore(resolved resolvedConfig) *relayCore {
	return &relayCore{
		pool: resolved.Pool,
		newChatModel: func(accessToken, upstreamModel string) (chatModel, error) {
			return backend.NewChatModel(backend.ChatModelConfig{
				Model:       upstreamModel,
				BaseURL:     resolved.BaseURL,
				AccessToken: accessToken,
				HTTPClient:  resolved.HTTPClient,
			})
		},
	}
}

// generate 非流式中继：完整走完 acquire→relay→release。
func (c *relayCore) generate(ctx context.Context, upstreamModel string, msgs []*schema.Message) (*schema.Message, error) {
	tried := make(map[string]bool)
	var lastErr error
	for {
		acc, m, err := c.next(ctx, tried, upstreamModel, &lastErr)
		if err != nil {
			return nil, err
		}
		respMsg, err := m.Generate(ctx, msgs)
		if err == nil {
			c.pool.Release(acc, pool.OutcomeOK, nil)
			return respMsg, nil
		}
		if c.releaseForError(acc, err) {
			lastErr = err
			continue
		}
		return nil, err
	}
}

// openStream 流式中继的建立阶段：返回已占用的账号与就绪的流。
// 开流之后的失败无法透明重试（部分输出可能已发出），由调用方收尾。
func (c *relayCore) openStream(ctx context.Context, upstreamModel string, msgs []*schema.Message) (*pool.Account, *schema.StreamReader[*schema.Message], error) {
	tried := make(map[string]bool)
	var lastErr error
	for {
		acc, m, err := c.next(ctx, tried, upstreamModel, &lastErr)
		if err != nil {
			return nil, nil, err
		}
		sr, err := m.Stream(ctx, msgs)
		if err == nil {
			return acc, sr, nil
		}
		if c.releaseForError(acc, err) {
			lastErr = err
			continue
		}
		return nil, nil, err
	}
}

// next 选取下一个账号并构建上游模型。刷新失败的账号自动跳过；
// 整池遍历完后返回最后一次账号级错误（没有则 ErrPoolExhausted）。
func (c *relayCore) next(ctx context.Context, tried map[string]bool, upstreamModel string, lastErr *error) (*pool.Account, chatModel, error) {
	for {
		acc, err := c.pool.Acquire(tried)
		if err != nil {
			if *lastErr != nil {
				return nil, nil, *lastErr
			}
			return nil, nil, err
		}
		tried[acc.Email] = true

		token, err := c.pool.EnsureFresh(ctx, acc)
		if err != nil {
			// EnsureFresh 已做健康记账，这里只归还占用
			c.pool.Release(acc, pool.OutcomeCanceled, nil)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			*lastErr = err
			continue
		}

		m, err := c.newChatModel(token, upstreamModel)
		if err != nil {
			c.pool.Release(acc, pool.OutcomeCanceled, nil)
			return nil, nil, err
		}
		return acc, m, nil
	}
}

// releaseForError 归还账号并返回是否应换账号重试。
// 只有与账号绑定的失败（token 失效导致的 401/403）值得换号；
// 请求级的上游错误原样透传给客户端。
func (c *relayCore) releaseForError(acc *pool.Account, err error) (retry bool) {
	var upstreamErr *backend.UpstreamError
	switch {
	case errors.As(err, &upstreamErr) && upstreamErr.IsAuthStatus():
		c.pool.Release(acc, pool.OutcomeAuthFailure, err)
		return true
	case errors.Is(err, backend.ErrInvalidModel), errors.Is(err, backend.ErrUnsupportedRole):
		// 请求的问题，不怪账号
		c.pool.Release(acc, pool.OutcomeOK, nil)
		return false
	case errors.Is(err, context.Canceled):
		c.pool.Release(acc, pool.OutcomeCanceled, nil)
		return false
	default:
		c.pool.Release(acc, pool.OutcomeError, err)
		return false
	}
}

// releaseAfterStream 流结束后的账号归还：按流的最终结果记账。
func (c *relayCore) releaseAfterStream(ctx context.Context, acc *pool.Account, streamErr error) {
	switch {
	case streamErr == nil:
		c.pool.Release(acc, pool.OutcomeOK, nil)
	case ctx.Err() != nil:
		c.pool.Release(acc, pool.OutcomeCanceled, nil)
	default:
		var upstreamErr *backend.UpstreamError
		if errors.As(streamErr, &upstreamErr) && upstreamErr.IsAuthStatus() {
			c.pool.Release(acc, pool.OutcomeAuthFailure, streamErr)
			return
		}
		c.pool.Release(acc, pool.OutcomeError, streamErr)
	}
}
