package confirm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps the token keyspace in Redis so multiple backend nodes
// share one ledger. Deadlines are enforced ledger-side through native key
// TTLs, which protects against client clock skew; compare-and-swap runs as a
// small Lua script so the state check and the write are one atomic step.
type RedisLedger struct {
	rdb    *redis.Client
	prefix string

	now func() time.Time
}

type RedisOption func(*RedisLedger)

func WithRedisPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) { l.prefix = strings.Trim(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLedger) { l.now = now }
}

func NewRedisLedger(rdb *redis.Client, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		rdb:    rdb,
		prefix: "toolgate:confirm",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// casScript swaps the record only when its stored state matches ARGV[1].
// KEYS[1] record key, ARGV[2] new record JSON, ARGV[3] TTL in ms.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec.state ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type redisRecord struct {
	Token           string         `json:"token"`
	OwnerID         string         `json:"owner_id"`
	ActionName      string         `json:"action_name"`
	ActionArgs      map[string]any `json:"action_args,omitempty"`
	Signature       string         `json:"signature"`
	Description     string         `json:"description,omitempty"`
	State           string         `json:"state"`
	CreatedAt       int64          `json:"created_at_unix"`
	ConfirmDeadline int64          `json:"confirm_deadline_unix"`
	ConsumeDeadline int64          `json:"consume_deadline_unix,omitempty"`
}

func (l *RedisLedger) Get(ctx context.Context, token string) (Record, bool, error) {
	raw, err := l.rdb.Get(ctx, l.tokenKey(token)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRedisRecord([]byte(raw))
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (l *RedisLedger) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	raw, err := encodeRedisRecord(rec)
	if err != nil {
		return err
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.tokenKey(rec.Token), raw, ttl)
		pipe.Set(ctx, l.ownerKey(rec.OwnerID, rec.Signature), rec.Token, ttl)
		return nil
	})
	return err
}

func (l *RedisLedger) CompareAndSwap(ctx context.Context, token string, expect State, next Record, ttl time.Duration) (bool, error) {
	raw, err := encodeRedisRecord(next)
	if err != nil {
		return false, err
	}
	n, err := casScript.Run(ctx, l.rdb,
		[]string{l.tokenKey(token)},
		string(expect), string(raw), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}

	// The owner index only tracks records that can still progress.
	ownerKey := l.ownerKey(next.OwnerID, next.Signature)
	switch next.State {
	case StatePending, StateConfirmed:
		_ = l.rdb.Set(ctx, ownerKey, token, ttl).Err()
	default:
		_ = l.rdb.Del(ctx, ownerKey).Err()
	}
	return true, nil
}

func (l *RedisLedger) Delete(ctx context.Context, token string) error {
	rec, ok, err := l.Get(ctx, token)
	if err != nil {
		return err
	}
	keys := []string{l.tokenKey(token)}
	if ok {
		keys = append(keys, l.ownerKey(rec.OwnerID, rec.Signature))
	}
	return l.rdb.Del(ctx, keys...).Err()
}

func (l *RedisLedger) FindActive(ctx context.Context, ownerID, signature string) (Record, bool, error) {
	token, err := l.rdb.Get(ctx, l.ownerKey(ownerID, signature)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, ok, err := l.Get(ctx, token)
	if err != nil || !ok {
		return Record{}, false, err
	}
	if rec.OwnerID != ownerID || rec.Signature != signature {
		return Record{}, false, nil
	}
	if rec.State != StatePending && rec.State != StateConfirmed {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (l *RedisLedger) List(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := l.rdb.Scan(ctx, 0, l.prefix+":t:*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := l.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeRedisRecord([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *RedisLedger) Close() error {
	if l == nil || l.rdb == nil {
		return nil
	}
	return l.rdb.Close()
}

func (l *RedisLedger) tokenKey(token string) string {
	return l.prefix + ":t:" + token
}

func (l *RedisLedger) ownerKey(ownerID, signature string) string {
	return l.prefix + ":o:" + ownerID + ":" + signature
}

func encodeRedisRecord(rec Record) ([]byte, error) {
	w := redisRecord{
		Token:           rec.Token,
		OwnerID:         rec.OwnerID,
		ActionName:      rec.ActionName,
		ActionArgs:      rec.ActionArgs,
		Signature:       rec.Signature,
		Description:     rec.Description,
		State:           string(rec.State),
		CreatedAt:       rec.CreatedAt.Unix(),
		ConfirmDeadline: rec.ConfirmDeadline.Unix(),
	}
	if !rec.ConsumeDeadline.IsZero() {
		w.ConsumeDeadline = rec.ConsumeDeadline.Unix()
	}
	return json.Marshal(w)
}

func decodeRedisRecord(raw []byte) (Record, error) {
	var w redisRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, err
	}
	rec := Record{
		Token:           w.Token,
		OwnerID:         w.OwnerID,
		ActionName:      w.ActionName,
		ActionArgs:      w.ActionArgs,
		Signature:       w.Signature,
		Description:     w.Description,
		State:           State(w.State),
		CreatedAt:       time.Unix(w.CreatedAt, 0).UTC(),
		ConfirmDeadline: time.Unix(w.ConfirmDeadline, 0).UTC(),
	}
	if w.ConsumeDeadline != 0 {
		rec.ConsumeDeadline = time.Unix(w.ConsumeDeadline, 0).UTC()
	}
	return rec, nil
}

var _ Ledger = (*RedisLedger)(nil)
