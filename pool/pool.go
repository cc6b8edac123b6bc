package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshMargin token 剩余有效期低于该值时提前刷新。
	DefaultRefreshMargin = 60 * time.Second
	// DefaultDisableThreshold 连续失败达到该次数后禁用账号。
	DefaultDisableThreshold = 3
	// DefaultCooldownBase 冷却退避的基准时长，按失败次数翻倍。
	DefaultCooldownBase = 30 * time.Second

	maxCooldown = 10 * time.Minute
)

// Options 配置账号池。Store 与 Refresher 必填，其余为空时使用默认值。
type Options struct {
	Store     Store
	Refresher Refresher

	RefreshMargin    time.Duration
	DisableThreshold int
	CooldownBase     time.Duration

	// Now 便于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Pool 是进程级的账号池：轮询选取、token 刷新（每账号 single-flight）、
// 健康状态管理，以及每次 token 变化后的原子持久化。
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	cursor   int

	store     Store
	refresher Refresher
	opts      Options

	refreshGroup singleflight.Group
	saveMu       sync.Mutex
}

// New 从 Store 加载账号并构建 Pool。没有任何可用账号时返回错误。
func New(opts Options) (*Pool, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pool: Store is required")
	}
	if opts.Refresher == nil {
		return nil, fmt.Errorf("pool: Refresher is required")
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.DisableThreshold <= 0 {
		opts.DisableThreshold = DefaultDisableThreshold
	}
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = DefaultCooldownBase
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	accounts, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("pool: no usable accounts")
	}
	log.Infof("loaded %d accounts", len(accounts))

	return &Pool{
		accounts:  accounts,
		store:     opts.Store,
		refresher: opts.Refresher,
		opts:      opts,
	}, nil
}

// Len 返回池中账号总数。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Acquire 按轮询顺序返回下一个可用账号并标记占用。
// exclude 中的 email（本次请求已试过的账号）会被跳过。
// 没有可用账号时返回 ErrPoolExhausted。
func (p *Pool) Acquire(exclude map[string]bool) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	n := len(p.accounts)
	for i := 0; i < n; i++ {
		acc := p.accounts[(p.cursor+i)%n]
		if !p.eligibleLocked(acc, now) || exclude[acc.Email] {
			continue
		}
		p.cursor = (p.cursor + i + 1) % n
		acc.InUse = true
		return acc, nil
	}
	return nil, ErrPoolExhausted
}

func (p *Pool) eligibleLocked(acc *Account, now time.Time) bool {
	if acc.InUse || acc.Health == HealthDisabled {
		return false
	}
	if acc.Health == HealthCooldown && now.Before(acc.CooldownUntil) {
		return false
	}
	return true
}

// EnsureFresh 返回账号当前可信的 access token，必要时先刷新。
// 同一账号的并发刷新会合并为一次上游调用，所有等待者拿到同一结果。
func (p *Pool) EnsureFresh(ctx context.Context, acc *Account) (string, error) {
	if token, ok := p.freshToken(acc); ok {
		return token, nil
	}

	v, err, _ := p.refreshGroup.Do(acc.Email, func() (interface{}, error) {
		// 双重检查：等待锁期间别的调用可能已完成刷新
		if token, ok := p.freshToken(acc); ok {
			return token, nil
		}

		p.mu.Lock()
		refreshToken := acc.RefreshToken
		p.mu.Unlock()

		log.Infof("[%s] refreshing token", acc.Email)
		token, err := p.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			// 客户端取消不记到账号头上
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.noteRefreshFailure(acc, err)
			return nil, err
		}

		p.mu.Lock()
		acc.AccessToken = token.AccessToken
		acc.AccessTokenExpiry = token.ExpiresAt
		rotated := token.RefreshToken != "" && token.RefreshToken != acc.RefreshToken
		if rotated {
			acc.RefreshToken = token.RefreshToken
		}
		acc.Health = HealthHealthy
		acc.CooldownUntil = time.Time{}
		acc.LastError = ""
		p.mu.Unlock()

		// 刷新成功立即落盘：refreshToken 已轮换，丢了就是丢账号
		if err := p.persist(); err != nil {
			log.WithError(err).Errorf("[%s] failed to persist accounts after refresh", acc.Email)
		} else if rotated {
			log.Infof("[%s] refreshToken rotated and saved", acc.Email)
		}
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pool) freshToken(acc *Account) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc.AccessToken == "" || acc.AccessTokenExpiry.IsZero() {
		return "", false
	}
	if p.opts.Now().Add(p.opts.RefreshMargin).After(acc.AccessTokenExpiry) {
		return "", false
	}
	return acc.AccessToken, true
}

func (p *Pool) noteRefreshFailure(acc *Account, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc.ErrorCount++
	acc.LastError = err.Error()

	switch {
	case errors.Is(err, ErrRefreshRejected):
		if acc.ErrorCount >= p.opts.DisableThreshold {
			acc.Health = HealthDisabled
			log.Warnf("[%s] refresh rejected %d times, disabling account", acc.Email, acc.ErrorCount)
			return
		}
		p.cooldownLocked(acc)
	default:
		p.cooldownLocked(acc)
	}
}

func (p *Pool) cooldownLocked(acc *Account) {
	// 逐倍加倍到上限为止，大 ErrorCount 直接移位会溢出成负值
	backoff := p.opts.CooldownBase
	for i := 1; i < acc.ErrorCount && backoff < maxCooldown; i++ {
		backoff *= 2
	}
	if backoff > maxCooldown {
		backoff = maxCooldown
	}
	acc.Health = HealthCooldown
	acc.CooldownUntil = p.opts.Now().Add(backoff)
	log.Warnf("[%s] cooling down for %s: %s", acc.Email, backoff, acc.LastError)
}

// Release 归还账号并按请求结果更新健康状态。
func (p *Pool) Release(acc *Account, outcome Outcome, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc.InUse = false
	if cause != nil {
		acc.LastError = cause.Error()
	}

	switch outcome {
	case OutcomeOK:
		acc.ErrorCount = 0
		acc.Health = HealthHealthy
		acc.CooldownUntil = time.Time{}
		acc.LastError = ""
	case OutcomeAuthFailure:
		// token 失效不等于账号坏死：强制下次使用前刷新
		acc.AccessTokenExpiry = time.Time{}
		acc.ErrorCount++
		if acc.ErrorCount >= p.opts.DisableThreshold {
			acc.Health = HealthDisabled
			log.Warnf("[%s] %d consecutive failures, disabling account", acc.Email, acc.ErrorCount)
		}
	case OutcomeError:
		acc.ErrorCount++
		if acc.ErrorCount >= p.opts.DisableThreshold {
			acc.Health = HealthDisabled
			log.Warnf("[%s] %d consecutive failures, disabling account", acc.Email, acc.ErrorCount)
		}
	case OutcomeCanceled:
		// 客户端断开对账号健康是中性的
	}
}

// Enable 将被禁用的账号恢复为可用（人工修复凭证后调用）。
func (p *Pool) Enable(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acc := range p.accounts {
		if acc.Email != email {
			continue
		}
		acc.Health = HealthHealthy
		acc.ErrorCount = 0
		acc.CooldownUntil = time.Time{}
		acc.LastError = ""
		return true
	}
	return false
}

// persist 将当前账号状态整体写回 Store。写入整体串行，避免交错的半成品文件。
func (p *Pool) persist() error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	snapshot := make([]*Account, len(p.accounts))
	for i, acc := range p.accounts {
		clone := *acc
		snapshot[i] = &clone
	}
	p.mu.Unlock()

	return p.store.Save(snapshot)
}

// AccountStatus 是 /status 输出的单账号视图，绝不包含 refreshToken。
type AccountStatus struct {
	Email       string     `json:"email"`
	Health      Health     `json:"health"`
	InUse       bool       `json:"in_use"`
	Errors      int        `json:"errors"`
	HasToken    bool       `json:"has_token"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Status 是整个池的健康快照。
type Status struct {
	Total     int             `json:"total"`
	Available int             `json:"available"`
	Accounts  []AccountStatus `json:"accounts"`
}

// Snapshot 返回池的健康快照。
func (p *Pool) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	st := Status{Total: len(p.accounts)}
	for _, acc := range p.accounts {
		if p.eligibleLocked(acc, now) || (acc.InUse && acc.Health != HealthDisabled) {
			st.Available++
		}
		as := AccountStatus{
			Email:     acc.Email,
			Health:    acc.Health,
			InUse:     acc.InUse,
			Errors:    acc.ErrorCount,
			HasToken:  acc.AccessToken != "",
			LastError: acc.LastError,
		}
		if !acc.AccessTokenExpiry.IsZero() {
			expiry := acc.AccessTokenExpiry
			as.TokenExpiry = &expiry
		}
		st.Accounts = append(st.Accounts, as)
	}
	return st
}
