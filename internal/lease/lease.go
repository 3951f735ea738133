// Package lease implements the per-recipient distributed mutual
// exclusion primitive that the Dispatcher uses to guarantee at most one
// worker serializes delivery for a given recipient at a time.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "lease:"

// Key returns the Redis key holding a recipient's lease.
func Key(recipientID string) string {
	return leaseKeyPrefix + recipientID
}

// Envelope is the JSON value stored at lease:{rid}. It carries owner_id
// (the field the Acquire/Renew/Release contract actually checks) plus
// acquired_at so `redis-cli GET lease:{rid}` tells an operator who holds
// a recipient and since when, without needing a second lookup.
type Envelope struct {
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (e Envelope) marshal() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// renewScript extends a lease's TTL only if it is still held by the
// calling owner. KEYS[1] = lease key, ARGV[1] = owner_id, ARGV[2] =
// ttl_ms. The stored envelope is left unchanged, so acquired_at survives
// across renewals.
var renewScript = redis.NewScript(`
local key = KEYS[1]
local owner_id = ARGV[1]
local ttl_ms = tonumber(ARGV[2])

local current = redis.call("GET", key)
if not current then
    return 0
end
local ok, decoded = pcall(cjson.decode, current)
if not ok or decoded.owner_id ~= owner_id then
    return 0
end

redis.call("PEXPIRE", key, ttl_ms)
return 1
`)

// releaseScript deletes a lease only if it is still held by the calling
// owner. KEYS[1] = lease key, ARGV[1] = owner_id.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local owner_id = ARGV[1]

local current = redis.call("GET", key)
if not current then
    return 0
end
local ok, decoded = pcall(cjson.decode, current)
if not ok or decoded.owner_id ~= owner_id then
    return 0
end

redis.call("DEL", key)
return 1
`)

// Lease implements Acquire/Renew/Release against Redis, keyed by
// recipient id via Key.
type Lease struct {
	client *redis.Client
}

// New wraps an existing Redis client. The caller owns its lifecycle.
func New(client *redis.Client) *Lease {
	return &Lease{client: client}
}

// Acquire atomically sets lease:{rid} to an envelope naming ownerID,
// only if the key is currently absent, with expiration ttl. Returns true
// on acquisition, false if another worker already holds the lease.
func (l *Lease) Acquire(ctx context.Context, recipientID, ownerID string, ttl time.Duration) (bool, error) {
	env := Envelope{OwnerID: ownerID, AcquiredAt: time.Now().UTC()}
	ok, err := l.client.SetNX(ctx, Key(recipientID), env.marshal(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", recipientID, err)
	}
	return ok, nil
}

// Renew extends a held lease's TTL, but only if ownerID still matches
// the current holder recorded in the envelope. A caller that lost
// ownership between its last successful call and this one (lease
// expired and was re-acquired by another worker) gets false, not an
// error — that is the signal to stop working the recipient immediately.
func (l *Lease) Renew(ctx context.Context, recipientID, ownerID string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{Key(recipientID)}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease renew %s: %w", recipientID, err)
	}
	return res == 1, nil
}

// Release deletes the lease, but only if ownerID still matches the
// current holder. An unchecked release would let a worker that lost its
// lease to expiry steal mutual exclusion back from whoever re-acquired
// it, so this must stay a compare-and-delete, never a bare DEL.
func (l *Lease) Release(ctx context.Context, recipientID, ownerID string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{Key(recipientID)}, ownerID).Int()
	if err != nil {
		return false, fmt.Errorf("lease release %s: %w", recipientID, err)
	}
	return res == 1, nil
}

// Owner returns the current owner_id recorded at lease:{rid}, or "" if
// the key does not exist.
func (l *Lease) Owner(ctx context.Context, recipientID string) (string, error) {
	val, err := l.client.Get(ctx, Key(recipientID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease owner %s: %w", recipientID, err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(val), &env); err != nil {
		return "", fmt.Errorf("decode lease envelope %s: %w", recipientID, err)
	}
	return env.OwnerID, nil
}
