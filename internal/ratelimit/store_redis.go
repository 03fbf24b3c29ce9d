package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"security-core/internal/security"
	"security-core/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each counter in a hash and mutates it only inside Lua
// scripts, which Redis runs atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "ratelimit"}
}

// WithKeyPrefix puts every counter key under ns, e.g. "prod:ratelimit:...".
func (s *RedisStore) WithKeyPrefix(ns string) *RedisStore {
	if ns = strings.Trim(ns, ":"); ns != "" {
		s.prefix = ns + ":ratelimit"
	}
	return s
}

// Preload uploads the counter scripts so the first hits use EVALSHA.
func (s *RedisStore) Preload(ctx context.Context) error {
	return utils.LoadScripts(ctx, s.rdb, hitScript, clearExpiredScript)
}

func (s *RedisStore) key(k Key) string {
	return utils.RedisKey(s.prefix, k.Tenant, string(k.LimitType), k.Endpoint, k.Identifier)
}

// Times travel as unix microseconds. They stay exact as Lua doubles but are
// formatted with %.0f before HSET, since tostring would round them.
var hitScript = redis.NewScript(`
-- KEYS[1] = counter hash
-- ARGV[1] = now (us), ARGV[2] = window (us), ARGV[3] = block duration (us)
-- ARGV[4] = limit, ARGV[5] = user agent, ARGV[6] = details json, ARGV[7] = new id
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local function us(n) return string.format('%.0f', n) end

local h = redis.call('HMGET', KEYS[1], 'id', 'attempts', 'window_start', 'is_blocked', 'blocked_until', 'user_agent', 'details')
local id = h[1] or ARGV[7]
local attempts = tonumber(h[2]) or 0
local window_start = tonumber(h[3]) or now
local is_blocked = h[4] == '1'
local blocked_until = tonumber(h[5]) or 0
local user_agent = h[6] or ''
local details = h[7] or ''

local was_blocked = 0
local triggered = 0

if attempts <= 0 or now - window_start > window then
  attempts = 1
  window_start = now
  is_blocked = false
  blocked_until = 0
else
  if is_blocked then
    if now < blocked_until then
      was_blocked = 1
    else
      is_blocked = false
      blocked_until = 0
    end
  end
  attempts = attempts + 1
end

if ARGV[5] ~= '' then user_agent = ARGV[5] end
if ARGV[6] ~= '' then details = ARGV[6] end

if attempts >= limit and not is_blocked then
  is_blocked = true
  blocked_until = now + block
  triggered = 1
end

redis.call('HSET', KEYS[1],
  'id', id,
  'attempts', attempts,
  'window_start', us(window_start),
  'last_attempt', us(now),
  'is_blocked', is_blocked and '1' or '0',
  'blocked_until', us(blocked_until),
  'user_agent', user_agent,
  'details', details)

local ttl = window
if blocked_until - now > ttl then ttl = blocked_until - now end
redis.call('PEXPIRE', KEYS[1], math.floor(ttl / 1000) + 60000)

return {id, attempts, window_start, is_blocked and 1 or 0, blocked_until, was_blocked, triggered, user_agent, details}
`)

var clearExpiredScript = redis.NewScript(`
-- KEYS[1] = counter hash, ARGV[1] = now (us)
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local is_blocked = redis.call('HGET', KEYS[1], 'is_blocked')
local until_us = tonumber(redis.call('HGET', KEYS[1], 'blocked_until')) or 0
if is_blocked == '1' and until_us <= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'is_blocked', '0', 'blocked_until', '0')
end
return 1
`)

func (s *RedisStore) Hit(ctx context.Context, h Hit) (Outcome, error) {
	var details string
	if h.Details != nil {
		raw, err := json.Marshal(h.Details)
		if err != nil {
			return Outcome{}, err
		}
		details = string(raw)
	}
	res, err := hitScript.Run(ctx, s.rdb, []string{s.key(h.Key)},
		h.Now.UnixMicro(),
		h.Window.Microseconds(),
		h.BlockDuration.Microseconds(),
		h.Limit,
		h.UserAgent,
		details,
		uuid.NewString(),
	).Slice()
	if err != nil {
		return Outcome{}, err
	}
	if len(res) != 9 {
		return Outcome{}, fmt.Errorf("ratelimit: unexpected script reply of %d values", len(res))
	}

	c := security.RateLimitAttempt{ID: fmt.Sprint(res[0])}
	fillKey(&c, h.Key)
	c.Attempts = int(toInt64(res[1]))
	c.WindowStart = time.UnixMicro(toInt64(res[2])).UTC()
	c.LastAttempt = h.Now
	c.IsBlocked = toInt64(res[3]) == 1
	if c.IsBlocked {
		until := time.UnixMicro(toInt64(res[4])).UTC()
		c.BlockedUntil = &until
	}
	c.UserAgent = fmt.Sprint(res[7])
	if d, err := decodeDetails(fmt.Sprint(res[8])); err == nil {
		c.Details = d
	}
	return Outcome{Counter: c, WasBlocked: toInt64(res[5]) == 1, Triggered: toInt64(res[6]) == 1}, nil
}

func (s *RedisStore) Get(ctx context.Context, k Key) (security.RateLimitAttempt, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(k)).Result()
	if err != nil {
		return security.RateLimitAttempt{}, err
	}
	if len(m) == 0 {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	c := security.RateLimitAttempt{ID: m["id"], UserAgent: m["user_agent"]}
	fillKey(&c, k)
	c.Attempts, _ = strconv.Atoi(m["attempts"])
	c.WindowStart = microField(m["window_start"])
	c.LastAttempt = microField(m["last_attempt"])
	c.IsBlocked = m["is_blocked"] == "1"
	if c.IsBlocked {
		until := microField(m["blocked_until"])
		c.BlockedUntil = &until
	}
	if d, err := decodeDetails(m["details"]); err == nil {
		c.Details = d
	}
	return c, nil
}

func (s *RedisStore) ClearExpired(ctx context.Context, k Key, now time.Time) (security.RateLimitAttempt, error) {
	n, err := clearExpiredScript.Run(ctx, s.rdb, []string{s.key(k)}, now.UnixMicro()).Int()
	if err != nil {
		return security.RateLimitAttempt{}, err
	}
	if n == 0 {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	return s.Get(ctx, k)
}

func (s *RedisStore) Reset(ctx context.Context, k Key) error {
	return s.rdb.Del(ctx, s.key(k)).Err()
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func microField(s string) time.Time {
	// Lua may write large numbers in float notation.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(int64(f)).UTC()
}

func decodeDetails(s string) (security.Details, error) {
	if s == "" {
		return nil, errors.New("empty")
	}
	var d security.Details
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, err
	}
	return d, nil
}
