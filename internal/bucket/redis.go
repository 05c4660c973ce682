package bucket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nimbusbase/meterbill/internal/event/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RedisStore accumulates minute buckets in redis hashes, one hash per minute
// boundary, HINCRBYFLOAT per slot. This mirrors how the ingestion tier shares
// buckets across nodes.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisStore(client *redis.Client, log *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		log:    log.Named("bucket.redis"),
	}
}

func bucketName(minute time.Time) string {
	return "meterbill:bucket:" + Minute(minute).Format(time.RFC3339)
}

func fieldName(key Key) string {
	return fmt.Sprintf("%d:%d:%s", key.AccountID, key.InstanceID, key.Source)
}

func parseField(field string) (Key, error) {
	parts := strings.SplitN(field, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed bucket field %q", field)
	}
	accountID, err := snowflake.ParseString(parts[0])
	if err != nil {
		return Key{}, err
	}
	instanceID, err := snowflake.ParseString(parts[1])
	if err != nil {
		return Key{}, err
	}
	return Key{
		AccountID:  accountID,
		InstanceID: instanceID,
		Source:     domain.Source(parts[2]),
	}, nil
}

func (s *RedisStore) Increment(ctx context.Context, minute time.Time, key Key, qty decimal.Decimal) error {
	value, _ := qty.Float64()
	return s.client.HIncrByFloat(ctx, bucketName(minute), fieldName(key), value).Err()
}

func (s *RedisStore) Drain(ctx context.Context, minute time.Time) (map[Key]decimal.Decimal, error) {
	name := bucketName(minute)
	draining := name + ":draining"

	// Rename first so increments racing the drain land in a fresh hash
	// (they belong to a closed bucket and will surface as late).
	if err := s.client.Rename(ctx, name, draining).Err(); err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "no such key") {
			return map[Key]decimal.Decimal{}, nil
		}
		return nil, err
	}

	fields, err := s.client.HGetAll(ctx, draining).Result()
	if err != nil {
		return nil, err
	}

	slots := make(map[Key]decimal.Decimal, len(fields))
	for field, raw := range fields {
		key, err := parseField(field)
		if err != nil {
			s.log.Warn("dropping malformed bucket field", zap.String("field", field), zap.Error(err))
			continue
		}
		qty, err := decimal.NewFromString(raw)
		if err != nil {
			s.log.Warn("dropping malformed bucket value", zap.String("field", field), zap.Error(err))
			continue
		}
		slots[key] = slots[key].Add(qty)
	}

	if err := s.client.Del(ctx, draining).Err(); err != nil {
		return nil, err
	}
	return slots, nil
}
