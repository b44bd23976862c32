package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRateLimitPrefix namespaces limiter keys when no prefix is configured.
const DefaultRateLimitPrefix = "transfa:outgoing_payments:rate_limit"

// createCountScript bumps every counter in KEYS within one window of ARGV[1]
// milliseconds and returns the wallet count, the grant count (0 without a grant
// key) and the longest remaining window.
var createCountScript = redis.NewScript(`
local counts = {0, 0}
local longest = 0
for i, key in ipairs(KEYS) do
  counts[i] = redis.call("INCR", key)
  if counts[i] == 1 then
    redis.call("PEXPIRE", key, ARGV[1])
  end
  local remaining = redis.call("PTTL", key)
  if remaining < 0 then
    remaining = tonumber(ARGV[1])
  end
  if remaining > longest then
    longest = remaining
  end
end
return {counts[1], counts[2], longest}
`)

// RedisCreateLimiter counts outgoing payment creations per wallet address and per
// grant in a fixed window shared by every replica. Both keys hash to the wallet
// address's slot, so a grant is counted per wallet address it spends from.
type RedisCreateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCreateLimiter(client redis.UniversalClient, prefix string) *RedisCreateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = DefaultRateLimitPrefix
	}
	return &RedisCreateLimiter{client: client, prefix: trimmedPrefix}
}

func (r *RedisCreateLimiter) walletKey(walletAddressID uuid.UUID) string {
	return fmt.Sprintf("%s:create:{%s}", r.prefix, walletAddressID)
}

func (r *RedisCreateLimiter) grantKey(walletAddressID uuid.UUID, grantID string) string {
	return fmt.Sprintf("%s:create:{%s}:grant:%s", r.prefix, walletAddressID, grantID)
}

// CountCreate records one create for walletAddressID and, when grantID is set,
// for the grant. A nil limiter counts nothing.
func (r *RedisCreateLimiter) CountCreate(ctx context.Context, walletAddressID uuid.UUID, grantID string, window time.Duration) (CreateCount, error) {
	if r == nil || r.client == nil || window <= 0 {
		return CreateCount{}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	keys := []string{r.walletKey(walletAddressID)}
	if grantID = strings.TrimSpace(grantID); grantID != "" {
		keys = append(keys, r.grantKey(walletAddressID, grantID))
	}

	raw, err := createCountScript.Run(ctx, r.client, keys, windowMs).Int64Slice()
	if err != nil {
		return CreateCount{}, err
	}
	if len(raw) != 3 {
		return CreateCount{}, fmt.Errorf("unexpected create limiter response length %d", len(raw))
	}

	retryAfter := int(math.Ceil(float64(raw[2]) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return CreateCount{
		Wallet:            int(raw[0]),
		Grant:             int(raw[1]),
		RetryAfterSeconds: retryAfter,
	}, nil
}
