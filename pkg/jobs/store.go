package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("job not found")

// Store keeps job records by identifier
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Update loads a job, applies fn and writes the result back
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps jobs in process memory
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string][]byte)}
}

func (s *MemoryStore) Create(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = data
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	data, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	j, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	if data, err = json.Marshal(j); err != nil {
		return nil, err
	}
	s.jobs[id] = data
	return j, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// RedisConfig for the Redis job store
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" json:"addr"`
	Password string        `mapstructure:"password" json:"-"`
	DB       int           `mapstructure:"db" json:"db"`
	TTL      time.Duration `mapstructure:"ttl" json:"ttl"`
	Prefix   string        `mapstructure:"prefix" json:"prefix"`
}

const defaultPrefix = "backdrop:job:"

// RedisStore keeps jobs as JSON values that expire after the TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, ttl: cfg.TTL, prefix: prefix}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(j.ID), data, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

// Update runs fn inside an optimistic transaction on the job key
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	key := s.key(id)
	var out *Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}
		j, err := decode(data)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		if data, err = json.Marshal(j); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = j
		}
		return err
	}

	for i := 0; i < 10; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("job %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &j, nil
}
