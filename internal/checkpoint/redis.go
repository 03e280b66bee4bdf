package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/failure"
)

// RedisStore keeps the state as one JSON value under a key. A single SET is
// atomic, so a reader never sees a partial snapshot.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore returns a store writing to key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "harvest:crawl-state"
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

// Load reads the snapshot.
func (s *RedisStore) Load(ctx context.Context, mode Mode) *CrawlState {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", s.key).Msg("Checkpoint unreadable, starting fresh")
		}
		return NewCrawlState(mode)
	}
	return decodeState(data, mode, "redis:"+s.key)
}

// Save writes st, stamping SavedAt.
func (s *RedisStore) Save(ctx context.Context, st *CrawlState) error {
	st.SavedAt = s.now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return failure.Persistence("encode checkpoint", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return failure.Persistence("write checkpoint", err).WithUnit(s.key)
	}
	return nil
}

// Clear deletes the key.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return failure.Persistence("clear checkpoint", err).WithUnit(s.key)
	}
	return nil
}
