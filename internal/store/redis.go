package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"otpattend/internal/otp"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// replaceScript swaps the current credential when the generation matches.
// KEYS: gen, current, history. ARGV: expected gen, next json, superseded json, next gen.
var replaceScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
	return 0
end
if ARGV[3] ~= '' then
	redis.call('RPUSH', KEYS[3], ARGV[3])
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[1], ARGV[4])
return 1
`)

// redeemScript inserts a redemption when its generation is current.
// KEYS: gen, redemptions. ARGV: generation, field, record json.
var redeemScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
	return -1
end
return redis.call('HSETNX', KEYS[2], ARGV[2], ARGV[3])
`)

// RedisCredentials is a CredentialStore kept in redis. All keys of a session
// share a hash tag so the scripts stay on one cluster slot.
type RedisCredentials struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCredentials builds a store under the given key prefix.
func NewRedisCredentials(client redis.UniversalClient, prefix string) *RedisCredentials {
	if prefix == "" {
		prefix = "otp"
	}
	return &RedisCredentials{client: client, prefix: prefix}
}

func (s *RedisCredentials) key(sessionID, suffix string) string {
	return s.prefix + ":{" + sessionID + "}:" + suffix
}

func redemptionField(subjectID string, generation uint64) string {
	return strconv.FormatUint(generation, 10) + "|" + subjectID
}

// Current implements CredentialStore.
func (s *RedisCredentials) Current(ctx context.Context, sessionID string) (otp.Credential, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID, "current")).Bytes()
	if errors.Is(err, redis.Nil) {
		return otp.Credential{}, otp.ErrNotFound
	}
	if err != nil {
		return otp.Credential{}, err
	}
	var c otp.Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return otp.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return c, nil
}

// Replace implements CredentialStore.
func (s *RedisCredentials) Replace(ctx context.Context, next otp.Credential, prevGeneration uint64) error {
	if next.Generation <= prevGeneration {
		return otp.ErrGenerationConflict
	}
	var superseded []byte
	if prevGeneration > 0 {
		prev, err := s.Current(ctx, next.SessionID)
		if errors.Is(err, otp.ErrNotFound) {
			return otp.ErrGenerationConflict
		}
		if err != nil {
			return err
		}
		if prev.Generation != prevGeneration {
			return otp.ErrGenerationConflict
		}
		at := next.IssuedAt
		prev.SupersededAt = &at
		if superseded, err = json.Marshal(prev); err != nil {
			return err
		}
	}

	next.SupersededAt = nil
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}

	keys := []string{
		s.key(next.SessionID, "gen"),
		s.key(next.SessionID, "current"),
		s.key(next.SessionID, "history"),
	}
	ok, err := replaceScript.Run(ctx, s.client, keys,
		prevGeneration, payload, superseded, next.Generation).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return otp.ErrGenerationConflict
	}
	return nil
}

// History implements CredentialStore.
func (s *RedisCredentials) History(ctx context.Context, sessionID string) ([]otp.Credential, error) {
	var (
		hist *redis.StringSliceCmd
		cur  *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		hist = p.LRange(ctx, s.key(sessionID, "history"), 0, -1)
		cur = p.Get(ctx, s.key(sessionID, "current"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	raws := hist.Val()
	if c, err := cur.Bytes(); err == nil {
		raws = append(raws, string(c))
	}
	out := make([]otp.Credential, 0, len(raws))
	for _, raw := range raws {
		var c otp.Credential
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode credential: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Redeem implements CredentialStore.
func (s *RedisCredentials) Redeem(ctx context.Context, rec otp.RedemptionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	keys := []string{s.key(rec.SessionID, "gen"), s.key(rec.SessionID, "redemptions")}
	res, err := redeemScript.Run(ctx, s.client, keys,
		rec.Generation, redemptionField(rec.SubjectID, rec.Generation), payload).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case 0:
		return otp.ErrAlreadyRedeemed
	default:
		return otp.ErrSuperseded
	}
}

// Redemption implements CredentialStore.
func (s *RedisCredentials) Redemption(ctx context.Context, key otp.RedemptionKey) (otp.RedemptionRecord, error) {
	raw, err := s.client.HGet(ctx, s.key(key.SessionID, "redemptions"),
		redemptionField(key.SubjectID, key.Generation)).Bytes()
	if errors.Is(err, redis.Nil) {
		return otp.RedemptionRecord{}, otp.ErrNotFound
	}
	if err != nil {
		return otp.RedemptionRecord{}, err
	}
	var rec otp.RedemptionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return otp.RedemptionRecord{}, fmt.Errorf("decode redemption: %w", err)
	}
	return rec, nil
}

// Redemptions implements CredentialStore.
func (s *RedisCredentials) Redemptions(ctx context.Context, sessionID string) ([]otp.RedemptionRecord, error) {
	vals, err := s.client.HVals(ctx, s.key(sessionID, "redemptions")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]otp.RedemptionRecord, 0, len(vals))
	for _, raw := range vals {
		var rec otp.RedemptionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode redemption: %w", err)
		}
		out = append(out, rec)
	}
	sortRedemptions(out)
	return out, nil
}
