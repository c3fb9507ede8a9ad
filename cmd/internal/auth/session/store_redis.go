package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on Redis. Records expire with their refresh
// window, so no purge pass is needed.
//
// Keys (under prefix):
//
//	rec:<id>       JSON record
//	tok:<digest>   session id, active sessions only
//	ref:<digest>   session id, active sessions only
//	user:<userID>  ZSET of active session ids scored by creation time
//	exp            ZSET of active session ids scored by expiry
type RedisStore struct {
	db     *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// host:port
	Addr     string
	Password string
	DB       int
	// TLS is negotiated when set.
	TLSConfig *tls.Config
	// Prefix namespaces every key. Defaults to "vitalis:session:".
	Prefix string
}

const maxWatchRetries = 5

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, o RedisOptions) (*RedisStore, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("session/redis: connection address is required")
	}
	db := redis.NewClient(&redis.Options{
		Addr:      o.Addr,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	})
	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session/redis: error connecting to redis: %w", err)
	}
	return NewRedisStoreFromClient(db, o.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(db *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "vitalis:session:"
	}
	return &RedisStore{db: db, prefix: prefix}
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error { return r.db.Ping(ctx).Err() }

// Close releases the client.
func (r *RedisStore) Close() error { return r.db.Close() }

func (r *RedisStore) recKey(id string) string   { return r.prefix + "rec:" + id }
func (r *RedisStore) tokKey(d string) string    { return r.prefix + "tok:" + d }
func (r *RedisStore) refKey(d string) string    { return r.prefix + "ref:" + d }
func (r *RedisStore) userKey(uid string) string { return r.prefix + "user:" + uid }
func (r *RedisStore) expKey() string            { return r.prefix + "exp" }

type redisRecord struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	TokenHash          string     `json:"token_hash,omitempty"`
	RefreshTokenHash   string     `json:"refresh_token_hash,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
	RefreshExpiresAt   time.Time  `json:"refresh_expires_at"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	IPAddress          string     `json:"ip_address,omitempty"`
	UserAgent          string     `json:"user_agent,omitempty"`
	Fingerprint        string     `json:"fingerprint,omitempty"`
	RememberMe         bool       `json:"remember_me"`
	IsActive           bool       `json:"is_active"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason Reason     `json:"deactivation_reason,omitempty"`
}

func toRecord(s Session) redisRecord {
	return redisRecord{
		ID:                 s.ID,
		UserID:             s.UserID,
		TokenHash:          s.TokenHash,
		RefreshTokenHash:   s.RefreshTokenHash,
		ExpiresAt:          s.ExpiresAt.UTC(),
		RefreshExpiresAt:   s.RefreshExpiresAt.UTC(),
		CreatedAt:          s.CreatedAt.UTC(),
		LastActivityAt:     s.LastActivityAt.UTC(),
		IPAddress:          s.IPAddress,
		UserAgent:          s.UserAgent,
		Fingerprint:        s.Fingerprint,
		RememberMe:         s.RememberMe,
		IsActive:           s.IsActive,
		DeactivatedAt:      s.DeactivatedAt,
		DeactivationReason: s.DeactivationReason,
	}
}

func (rec redisRecord) session() Session {
	return Session{
		ID:                 rec.ID,
		UserID:             rec.UserID,
		TokenHash:          rec.TokenHash,
		RefreshTokenHash:   rec.RefreshTokenHash,
		ExpiresAt:          rec.ExpiresAt,
		RefreshExpiresAt:   rec.RefreshExpiresAt,
		CreatedAt:          rec.CreatedAt,
		LastActivityAt:     rec.LastActivityAt,
		IPAddress:          rec.IPAddress,
		UserAgent:          rec.UserAgent,
		Fingerprint:        rec.Fingerprint,
		RememberMe:         rec.RememberMe,
		IsActive:           rec.IsActive,
		DeactivatedAt:      rec.DeactivatedAt,
		DeactivationReason: rec.DeactivationReason,
	}
}

func decodeRecord(b []byte) (Session, error) {
	var rec redisRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Session{}, fmt.Errorf("session/redis: decode: %w", err)
	}
	return rec.session(), nil
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// watch runs fn under WATCH keys, retrying when a concurrent writer wins.
func (r *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.db.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (r *RedisStore) Insert(ctx context.Context, s Session) error {
	rec := toRecord(s)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := s.RefreshExpiresAt.Sub(s.CreatedAt)
	if ttl < time.Second {
		ttl = time.Second
	}

	keys := []string{r.recKey(s.ID), r.tokKey(s.TokenHash), r.refKey(s.RefreshTokenHash)}
	return r.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keys[0], b, ttl)
			if s.IsActive {
				pipe.Set(ctx, keys[1], s.ID, ttl)
				pipe.Set(ctx, keys[2], s.ID, ttl)
				pipe.ZAdd(ctx, r.userKey(s.UserID), &redis.Z{Score: score(s.CreatedAt), Member: s.ID})
				pipe.ZAdd(ctx, r.expKey(), &redis.Z{Score: score(s.ExpiresAt), Member: s.ID})
			}
			return nil
		})
		return err
	}, keys...)
}

func (r *RedisStore) GetByID(ctx context.Context, id string) (Session, error) {
	b, err := r.db.Get(ctx, r.recKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return decodeRecord(b)
}

func (r *RedisStore) GetByTokenHash(ctx context.Context, digest string) (Session, error) {
	return r.getIndexed(ctx, r.tokKey(digest))
}

func (r *RedisStore) GetByRefreshHash(ctx context.Context, digest string) (Session, error) {
	return r.getIndexed(ctx, r.refKey(digest))
}

func (r *RedisStore) getIndexed(ctx context.Context, key string) (Session, error) {
	id, err := r.db.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !s.IsActive {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (r *RedisStore) ListActiveByUser(ctx context.Context, userID string) ([]Session, error) {
	ukey := r.userKey(userID)
	idsList, err := r.db.ZRange(ctx, ukey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(idsList) == 0 {
		return nil, nil
	}

	keys := make([]string, len(idsList))
	for i, id := range idsList {
		keys[i] = r.recKey(id)
	}
	vals, err := r.db.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(vals))
	var stale []interface{}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, idsList[i])
			continue
		}
		s, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		if !s.IsActive {
			stale = append(stale, idsList[i])
			continue
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		_ = r.db.ZRem(ctx, ukey, stale...).Err()
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *RedisStore) Touch(ctx context.Context, id string, lastActivityAt, expiresAt time.Time) error {
	key := r.recKey(id)
	return r.watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		s, err := decodeRecord(b)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return ErrSessionNotFound
		}
		s.LastActivityAt = lastActivityAt
		s.ExpiresAt = expiresAt
		nb, err := json.Marshal(toRecord(s))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, redis.KeepTTL)
			pipe.ZAdd(ctx, r.expKey(), &redis.Z{Score: score(expiresAt), Member: id})
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) Deactivate(ctx context.Context, id string, now time.Time, reason Reason) (bool, error) {
	key := r.recKey(id)
	won := false
	err := r.watch(ctx, func(tx *redis.Tx) error {
		won = false
		b, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Record aged out; drop any leftover expiry entry.
			return tx.ZRem(ctx, r.expKey(), id).Err()
		}
		if err != nil {
			return err
		}
		s, err := decodeRecord(b)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return nil
		}

		tokKey, refKey := r.tokKey(s.TokenHash), r.refKey(s.RefreshTokenHash)
		at := now.UTC()
		s.IsActive = false
		s.DeactivatedAt = &at
		s.DeactivationReason = reason
		s.TokenHash, s.RefreshTokenHash = "", ""
		nb, err := json.Marshal(toRecord(s))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, redis.KeepTTL)
			pipe.Del(ctx, tokKey, refKey)
			pipe.ZRem(ctx, r.userKey(s.UserID), id)
			pipe.ZRem(ctx, r.expKey(), id)
			return nil
		})
		if err == nil {
			won = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return won, nil
}

func (r *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	return r.db.ZRangeByScore(ctx, r.expKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
}

// Purge is a no-op: Redis expires records on its own.
func (r *RedisStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
