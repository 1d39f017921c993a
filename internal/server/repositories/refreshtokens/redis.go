package refreshtokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// RedisRepository stores each token as JSON under "<prefix><token>" with
// a TTL equal to its validity, and indexes them per user in the set
// "<prefix>user:<id>".
type RedisRepository struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRepository creates a Redis-backed repository. Prefix may be
// empty.
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "rt:"
	}
	return &RedisRepository{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRepository) key(token string) string {
	return r.prefix + token
}

func (r *RedisRepository) userKey(userID string) string {
	return r.prefix + "user:" + userID
}

func (r *RedisRepository) Create(ctx context.Context, userID string, token string, validity time.Duration) error {
	now := r.now().UTC()
	b, err := json.Marshal(&models.RefreshToken{
		UserID:    userID,
		Token:     token,
		Expires:   now.Add(validity),
		CreatedAt: now,
	})
	if err != nil {
		return err
	}

	if validity <= 0 {
		validity = time.Second
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(token), b, validity)
	pipe.SAdd(ctx, r.userKey(userID), token)
	pipe.Expire(ctx, r.userKey(userID), validity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (r *RedisRepository) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	b, err := r.client.Get(ctx, r.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var rt models.RefreshToken
	if err := json.Unmarshal(b, &rt); err != nil {
		return nil, fmt.Errorf("decode refresh token: %w", err)
	}
	return &rt, nil
}

func (r *RedisRepository) Delete(ctx context.Context, token string) error {
	rt, err := r.Find(ctx, token)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(token))
	pipe.SRem(ctx, r.userKey(rt.UserID), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if del.Val() == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *RedisRepository) DeleteByUser(ctx context.Context, userID string) error {
	tokens, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, r.key(t))
	}
	keys = append(keys, r.userKey(userID))

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
