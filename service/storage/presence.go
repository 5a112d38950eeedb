package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<workspace>:<user>
// ZSET member: <node>:<conn>, score: unix ms at which the entry expires
func presenceKey(workspace, user string) string {
	return "im:presence:" + workspace + ":" + user
}

// Member identifies one live connection in the presence set.
func Member(nodeID, connID string) string { return nodeID + ":" + connID }

// ===== Lua 脚本 =====

// KEYS[1]=zset ARGV[1]=member ARGV[2]=expireAtMs ARGV[3]=nowMs ARGV[4]=keyTtlMs
var luaOnline = redis.NewScript(`
local z      = KEYS[1]
local member = ARGV[1]
local expAt  = tonumber(ARGV[2])
local now    = tonumber(ARGV[3])
local keyTtl = tonumber(ARGV[4])
redis.call("ZREMRANGEBYSCORE", z, "-inf", now)
redis.call("ZADD", z, expAt, member)
redis.call("PEXPIRE", z, keyTtl)
return redis.call("ZCARD", z)
`)

// KEYS[1]=zset ARGV[1]=member ARGV[2]=nowMs
var luaOffline = redis.NewScript(`
local z      = KEYS[1]
local member = ARGV[1]
local now    = tonumber(ARGV[2])
redis.call("ZREM", z, member)
redis.call("ZREMRANGEBYSCORE", z, "-inf", now)
local left = redis.call("ZCARD", z)
if left == 0 then
  redis.call("DEL", z)
end
return left
`)

// KEYS[1]=zset ARGV[1]=nowMs
var luaActive = redis.NewScript(`
local z   = KEYS[1]
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", z, "-inf", now)
return redis.call("ZRANGEBYSCORE", z, now + 1, "+inf")
`)

// Presence records which connections a user currently holds, across all
// gateway instances. Entries expire unless renewed, so a crashed instance
// stops reporting its users after one TTL.
type Presence struct {
	rdb redis.Scripter
	ttl time.Duration
	now func() time.Time
}

func NewPresence(rdb redis.Scripter, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Presence{rdb: rdb, ttl: ttl, now: time.Now}
}

// Online adds or renews member for the user.
func (p *Presence) Online(ctx context.Context, workspace, user, member string) error {
	now := p.now()
	expAt := now.Add(p.ttl).UnixMilli()
	err := luaOnline.Run(ctx, p.rdb, []string{presenceKey(workspace, user)},
		member, strconv.FormatInt(expAt, 10), strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt((2*p.ttl).Milliseconds(), 10)).Err()
	return errors.Wrap(err, "presence online")
}

// Offline removes member. Removing an unknown member is not an error.
func (p *Presence) Offline(ctx context.Context, workspace, user, member string) error {
	err := luaOffline.Run(ctx, p.rdb, []string{presenceKey(workspace, user)},
		member, strconv.FormatInt(p.now().UnixMilli(), 10)).Err()
	return errors.Wrap(err, "presence offline")
}

// Connections lists the unexpired members for the user.
func (p *Presence) Connections(ctx context.Context, workspace, user string) ([]string, error) {
	res, err := luaActive.Run(ctx, p.rdb, []string{presenceKey(workspace, user)},
		strconv.FormatInt(p.now().UnixMilli(), 10)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "presence lookup")
	}
	return res, nil
}
