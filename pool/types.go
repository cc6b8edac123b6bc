package pool

import (
	"context"
	"errors"
	"time"
)

// Health 表示账号的健康状态。
type Health string

const (
	// HealthHealthy 账号可正常使用。
	HealthHealthy Health = "healthy"
	// HealthCooldown 账号处于冷却期，CooldownUntil 之前不参与选取。
	HealthCooldown Health = "cooldown"
	// HealthDisabled 账号被禁用，除非显式恢复否则不再选取。
	HealthDisabled Health = "disabled"
)

// Account 是池中的单个上游账号。
// 字段由 Pool 的互斥锁保护，外部持有 *Account 时只应通过 Pool 的方法修改状态。
type Account struct {
	Email             string
	RefreshToken      string
	AccessToken       string
	AccessTokenExpiry time.Time

	Health        Health
	CooldownUntil time.Time
	ErrorCount    int
	LastError     string
	InUse         bool
}

// Token 是一次刷新得到的短期凭证。
// RefreshToken 非空表示上游轮换了 refreshToken（旧值随即失效，必须持久化新值）。
type Token struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

// Refresher 用 refreshToken 换取新的 access token，单次上游调用，不做重试。
// 失败必须能通过 errors.Is 区分 ErrRefreshRejected / ErrRefreshUnavailable，
// 以便 Pool 采取不同补救措施。
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Store 是账号文件的读写抽象：整体读、整体（原子）写。
type Store interface {
	Load() ([]*Account, error)
	Save(accounts []*Account) error
}

// Outcome 是一次请求结束后对账号的处置结论。
type Outcome int

const (
	// OutcomeOK 请求成功，清除错误计数与冷却。
	OutcomeOK Outcome = iota
	// OutcomeAuthFailure 上游返回 401/403：强制下次使用前刷新 token。
	OutcomeAuthFailure
	// OutcomeError 其他与账号相关的失败，连续达到阈值后禁用账号。
	OutcomeError
	// OutcomeCanceled 客户端取消，对健康状态为中性。
	OutcomeCanceled
)

var (
	// ErrPoolExhausted 没有可用账号。
	ErrPoolExhausted = errors.New("pool: no eligible account")
	// ErrRefreshRejected refreshToken 无效或已被吊销。
	ErrRefreshRejected = errors.New("pool: refresh rejected")
	// ErrRefreshUnavailable 刷新因网络/上游故障暂时失败，可退避后重试。
	ErrRefreshUnavailable = errors.New("pool: refresh unavailable")
)
