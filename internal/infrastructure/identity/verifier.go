// Package identity 校验身份服务签发的会话令牌。
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"coinledger/internal/ledger"

	"github.com/go-redis/redis/v8"
)

const sessionKeyFmt = "session:%s"

// Identity 一个经过验证的调用方
type Identity struct {
	AccountID   string `json:"account_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Token       string `json:"-"`
}

// Verifier 把不透明的令牌换成已验证的身份
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// RedisVerifier 会话由认证服务写入 Redis，这里只读
type RedisVerifier struct {
	client *redis.Client
}

func NewRedisVerifier(client *redis.Client) *RedisVerifier {
	return &RedisVerifier{client: client}
}

func (v *RedisVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ledger.ErrUnauthenticated
	}

	raw, err := v.client.Get(ctx, fmt.Sprintf(sessionKeyFmt, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Identity{}, ledger.ErrUnauthenticated
		}
		return Identity{}, ledger.Internal(fmt.Errorf("读取会话失败: %w", err))
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, ledger.Wrap(ledger.CodeUnauthenticated, "会话数据损坏", err)
	}
	if id.AccountID == "" {
		return Identity{}, ledger.ErrUnauthenticated
	}
	id.Token = token
	return id, nil
}
