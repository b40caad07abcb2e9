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

const (
	jobKeyPrefix = "job:"
	logKeySuffix = ":logs"

	// DefaultMaxLogLines はジョブごとに保持するログ行数の既定値です。
	DefaultMaxLogLines = 500
)

// ErrNotFound は指定されたジョブ記録が存在しないことを表します。
var ErrNotFound = errors.New("job not found")

// Store はジョブ記録とログの保存先です。
type Store interface {
	Get(ctx context.Context, jobID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	Update(ctx context.Context, jobID string, mutate func(*Record)) error
	AppendLog(ctx context.Context, jobID string, line string) error
	Logs(ctx context.Context, jobID string) ([]string, error)
}

func stamp(record *Record, ttl time.Duration) {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(ttl)
	}
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	maxLines int64
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:      rdb,
		ttl:      ttl,
		maxLines: DefaultMaxLogLines,
	}
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *RedisStore) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	stamp(record, s.ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Update は WATCH で競合を検出しながら記録を書き換えます。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		stamp(&record, s.ttl)
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// AppendLog はログ行を追加し、古い行を切り詰めます。
func (s *RedisStore) AppendLog(ctx context.Context, jobID string, line string) error {
	key := jobKey(jobID) + logKeySuffix
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, line)
		pipe.LTrim(ctx, key, -s.maxLines, -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// Logs は保存されているログ行を古い順に返します。
func (s *RedisStore) Logs(ctx context.Context, jobID string) ([]string, error) {
	return s.rdb.LRange(ctx, jobKey(jobID)+logKeySuffix, 0, -1).Result()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// MemoryStore はプロセス内に記録を保持する Store です。Redis を使わない CLI とテストで使用します。
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxLines int
	records  map[string][]byte
	logs     map[string][]string
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		maxLines: DefaultMaxLogLines,
		records:  make(map[string][]byte),
		logs:     make(map[string][]string),
	}
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(jobID)
}

func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(record, s.ttl)
	return s.save(record)
}

func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.load(jobID)
	if err != nil {
		return err
	}
	mutate(record)
	stamp(record, s.ttl)
	return s.save(record)
}

func (s *MemoryStore) AppendLog(ctx context.Context, jobID string, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := append(s.logs[jobID], line)
	if len(lines) > s.maxLines {
		lines = lines[len(lines)-s.maxLines:]
	}
	s.logs[jobID] = lines
	return nil
}

func (s *MemoryStore) Logs(ctx context.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs[jobID]...), nil
}

// load と save は JSON に変換したコピーをやり取りします。
func (s *MemoryStore) load(jobID string) (*Record, error) {
	data, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		delete(s.records, jobID)
		delete(s.logs, jobID)
		return nil, ErrNotFound
	}
	return &record, nil
}

func (s *MemoryStore) save(record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.records[record.JobID] = data
	return nil
}
