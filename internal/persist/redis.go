package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/rtchat/internal/config"
	"github.com/mbeoliero/rtchat/pkg/constant"
)

// RedisStore keeps state in Redis: strings for last-read and cursor, a set per
// conversation for hidden ids
type RedisStore struct {
	rdb    *redis.Client
	userId string
}

// NewRedisClient creates a Redis client from cfg
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore creates a RedisStore for userId
func NewRedisStore(rdb *redis.Client, userId string) *RedisStore {
	return &RedisStore{rdb: rdb, userId: userId}
}

func (s *RedisStore) Load(ctx context.Context) (*State, error) {
	prefix := fmt.Sprintf("%su:%s:", constant.GetKeyPrefix(), s.userId)
	state := NewState()

	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		kind, conv, found := strings.Cut(strings.TrimPrefix(key, prefix), ":")
		if !found {
			continue
		}

		switch kind {
		case kindLastRead:
			v, err := s.rdb.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			if v != "" {
				state.LastRead[conv] = v
			}
		case kindCursor:
			v, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			var c Cursor
			if err := json.Unmarshal(v, &c); err != nil {
				return nil, fmt.Errorf("decode cursor %s: %w", conv, err)
			}
			state.Cursors[conv] = c
		case kindHidden:
			ids, err := s.rdb.SMembers(ctx, key).Result()
			if err != nil {
				return nil, err
			}
			if len(ids) > 0 {
				state.Hidden[conv] = ids
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *RedisStore) SaveLastRead(ctx context.Context, conversationId, messageId string) error {
	key := fmt.Sprintf(constant.KeyLastRead(), s.userId, conversationId)
	return s.rdb.Set(ctx, key, messageId, 0).Err()
}

func (s *RedisStore) SaveCursor(ctx context.Context, conversationId string, cursor Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(constant.KeyCursor(), s.userId, conversationId)
	return s.rdb.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) AddHidden(ctx context.Context, conversationId, messageId string) error {
	key := fmt.Sprintf(constant.KeyHidden(), s.userId, conversationId)
	return s.rdb.SAdd(ctx, key, messageId).Err()
}

func (s *RedisStore) ForgetConversation(ctx context.Context, conversationId string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx,
		fmt.Sprintf(constant.KeyLastRead(), s.userId, conversationId),
		fmt.Sprintf(constant.KeyCursor(), s.userId, conversationId),
		fmt.Sprintf(constant.KeyHidden(), s.userId, conversationId),
	)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
