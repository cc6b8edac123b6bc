package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// accountRecord 是账号文件中单条记录的持久化格式。
// 兼容注册工具产出的历史格式：refreshToken 可能藏在 cookie_dict / key_cookies 中。
type accountRecord struct {
	Email             string     `json:"email"`
	RefreshToken      string     `json:"refresh_token,omitempty"`
	AccessToken       string     `json:"access_token,omitempty"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry,omitempty"`

	CookieDict map[string]string `json:"cookie_dict,omitempty"`
	KeyCookies map[string]string `json:"key_cookies,omitempty"`
}

func (r accountRecord) refreshToken() string {
	if rt := strings.TrimSpace(r.RefreshToken); rt != "" {
		return rt
	}
	if rt := strings.TrimSpace(r.CookieDict["refreshToken"]); rt != "" {
		return rt
	}
	return strings.TrimSpace(r.KeyCookies["refreshToken"])
}

// FileStore 是文件后端的账号存储：整体读、原子整体写。
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load 从 JSON 文件加载账号。顶层既可以是数组也可以是单个对象。
// 无 refreshToken 的记录跳过，重复 email 的记录只保留第一条。
func (s *FileStore) Load() ([]*Account, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var records []accountRecord
	if err := json.Unmarshal(data, &records); err != nil {
		var single accountRecord
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("failed to parse accounts file %s: %w", s.Path, err)
		}
		records = []accountRecord{single}
	}

	seen := make(map[string]bool, len(records))
	accounts := make([]*Account, 0, len(records))
	for _, r := range records {
		rt := r.refreshToken()
		if rt == "" {
			log.Warnf("skip account without refreshToken: %s", r.Email)
			continue
		}
		email := strings.TrimSpace(r.Email)
		if email == "" {
			email = "?"
		}
		if seen[email] {
			log.Warnf("skip duplicate account: %s", email)
			continue
		}
		seen[email] = true

		acc := &Account{
			Email:        email,
			RefreshToken: rt,
			AccessToken:  strings.TrimSpace(r.AccessToken),
			Health:       HealthHealthy,
		}
		if r.AccessTokenExpiry != nil {
			acc.AccessTokenExpiry = *r.AccessTokenExpiry
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Save 将账号整体写回文件。先写临时文件再 rename，崩溃不会留下半个文件。
func (s *FileStore) Save(accounts []*Account) error {
	records := make([]accountRecord, 0, len(accounts))
	for _, a := range accounts {
		rec := accountRecord{
			Email:        a.Email,
			RefreshToken: a.RefreshToken,
			AccessToken:  a.AccessToken,
		}
		if !a.AccessTokenExpiry.IsZero() {
			expiry := a.AccessTokenExpiry
			rec.AccessTokenExpiry = &expiry
		}
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.Path)
}
