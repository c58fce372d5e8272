package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements core.IPriceStore on Redis.
//
// Layout under prefix:
//
//	{prefix}rec:{asin}/{marketplace}  JSON record
//	{prefix}keys:{marketplace}        set of record keys
//	{prefix}pending                   sorted set of pending keys scored by decision time
//
// Writes are WATCH/MULTI transactions on the record key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "repricer:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// NewRedisClient builds a client and verifies connectivity
func NewRedisClient(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key core.RecordKey) (*core.PriceRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s: %w", key, apperrors.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record from redis: %w", err)
	}
	var rec core.PriceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *core.PriceRecord, expectedVersion int64) error {
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	rk := s.recordKey(key)

	next := rec.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.storedVersion(ctx, tx, rk)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return fmt.Errorf("%s: expected version %d, found %d: %w", key, expectedVersion, current, apperrors.ErrStoreConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, data, 0)
			pipe.SAdd(ctx, s.keysKey(key.MarketplaceID), key.String())
			if next.HasPending() {
				pipe.ZAdd(ctx, s.pendingKey(), redis.Z{
					Score:  float64(unixNano(next.LastDecisionAt)),
					Member: key.String(),
				})
			} else {
				pipe.ZRem(ctx, s.pendingKey(), key.String())
			}
			return nil
		})
		return err
	}, rk)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%s: concurrent write: %w", key, apperrors.ErrStoreConflict)
	}
	if err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (s *RedisStore) storedVersion(ctx context.Context, tx *redis.Tx, rk string) (int64, error) {
	data, err := tx.Get(ctx, rk).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read record from redis: %w", err)
	}
	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("failed to unmarshal record version: %w", err)
	}
	return stored.Version, nil
}

func (s *RedisStore) ListPending(ctx context.Context, decidedBefore time.Time, limit int) ([]*core.PriceRecord, error) {
	if limit < 0 {
		limit = 0
	}
	members, err := s.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     s.pendingKey(),
		Start:   "-inf",
		Stop:    strconv.FormatInt(unixNano(decidedBefore), 10),
		ByScore: true,
		Count:   int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		k, err := core.ParseRecordKey(m)
		if err != nil {
			return nil, err
		}
		keys = append(keys, s.recordKey(k))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending records: %w", err)
	}

	out := make([]*core.PriceRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Removed between the range and the load
			continue
		}
		var rec core.PriceRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if rec.HasPending() {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (s *RedisStore) ListKeys(ctx context.Context, marketplaceID string) ([]core.RecordKey, error) {
	var setKeys []string
	if marketplaceID != "" {
		setKeys = []string{s.keysKey(marketplaceID)}
	} else {
		iter := s.client.Scan(ctx, 0, s.prefix+"keys:*", 100).Iterator()
		for iter.Next(ctx) {
			setKeys = append(setKeys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan key sets: %w", err)
		}
	}

	var keys []core.RecordKey
	for _, sk := range setKeys {
		members, err := s.client.SMembers(ctx, sk).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read key set: %w", err)
		}
		for _, m := range members {
			k, err := core.ParseRecordKey(m)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(key core.RecordKey) string {
	return s.prefix + "rec:" + key.String()
}

func (s *RedisStore) keysKey(marketplaceID string) string {
	return s.prefix + "keys:" + marketplaceID
}

func (s *RedisStore) pendingKey() string {
	return s.prefix + "pending"
}
