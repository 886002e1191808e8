package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	xerrors "Attest-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisRegistryConfig 描述 Redis 身份注册表的连接参数。
type RedisRegistryConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// getOrAssign returns the stored identity or allocates the next one atomically.
var getOrAssign = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if id then
  return tonumber(id)
end
id = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], id)
return id
`)

// RedisRegistry stores identities in a Redis hash shared by every engine
// replica. Resolved identities are cached locally since they never change.
type RedisRegistry struct {
	client  redis.UniversalClient
	hashKey string
	seqKey  string
	cache   sync.Map
}

// NewRedisRegistry 创建 Redis 身份注册表。
func NewRedisRegistry(ctx context.Context, cfg RedisRegistryConfig) (*RedisRegistry, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisRegistryWithClient(client, cfg.Prefix), nil
}

// NewRedisRegistryWithClient wraps an existing client.
func NewRedisRegistryWithClient(client redis.UniversalClient, prefix string) *RedisRegistry {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "attest:identity"
	}
	return &RedisRegistry{
		client:  client,
		hashKey: prefix + ":ids",
		seqKey:  prefix + ":seq",
	}
}

// IdentityOf implements Registry.
func (r *RedisRegistry) IdentityOf(ctx context.Context, account common.Address) (uint64, error) {
	if cached, ok := r.cache.Load(account); ok {
		return cached.(uint64), nil
	}
	id, err := getOrAssign.Run(ctx, r.client, []string{r.hashKey, r.seqKey}, strings.ToLower(account.Hex())).Int64()
	if err != nil {
		return 0, xerrors.Wrap(CodeIdentityFailure, err, "", xerrors.WithMetadata("account", account.Hex()))
	}
	if id <= 0 {
		return 0, ErrLookupFailed.With(xerrors.WithMetadata("account", account.Hex()))
	}
	r.cache.Store(account, uint64(id))
	return uint64(id), nil
}

// Close 关闭 Redis 连接。
func (r *RedisRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
