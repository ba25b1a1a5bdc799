package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/visionbridge/internal/extract"
)

// RedisStore keeps each job in a hash at <prefix><id>. Transitions run as Lua
// scripts so the processing check and the write are atomic.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration // applied as a key expiry once a job is terminal
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client. A positive retention expires terminal jobs.
func NewRedisStore(client *redis.Client, keyPrefix string, retention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "job:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

const (
	fieldStatus      = "status"
	fieldResultMode  = "result_mode"
	fieldResultJSON  = "result_json"
	fieldError       = "error"
	fieldDetails     = "details"
	fieldCreatedAt   = "created_at"
	fieldCompletedAt = "completed_at"
)

// Script return codes.
const (
	scriptOK       = 1
	scriptExists   = 0
	scriptNotFound = -1
	scriptTerminal = -2
)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'created_at', ARGV[2])
return 1
`)

var finishScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'processing' then return -2 end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("create job: id is required")
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	code, err := createScript.Run(ctx, s.client, []string{s.key(job.ID)},
		string(StatusProcessing), createdAt.UTC().Format(timeLayout)).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if code == scriptExists {
		return fmt.Errorf("create job %s: %w", job.ID, ErrJobExists)
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, id string, result extract.Result, completedAt time.Time) error {
	raw, err := result.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.finish(ctx, id,
		fieldStatus, string(StatusCompleted),
		fieldResultMode, string(result.Mode),
		fieldResultJSON, string(raw),
		fieldCompletedAt, completedAt.UTC().Format(timeLayout),
	)
}

func (s *RedisStore) Fail(ctx context.Context, id string, errKind string, details string, completedAt time.Time) error {
	return s.finish(ctx, id,
		fieldStatus, string(StatusFailed),
		fieldError, errKind,
		fieldDetails, details,
		fieldCompletedAt, completedAt.UTC().Format(timeLayout),
	)
}

func (s *RedisStore) finish(ctx context.Context, id string, pairs ...any) error {
	args := append([]any{s.retention.Milliseconds()}, pairs...)
	code, err := finishScript.Run(ctx, s.client, []string{s.key(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	switch code {
	case scriptOK:
		return nil
	case scriptNotFound:
		return fmt.Errorf("finish job %s: %w", id, ErrJobNotFound)
	case scriptTerminal:
		return fmt.Errorf("finish job %s: %w", id, ErrJobTerminal)
	default:
		return fmt.Errorf("finish job %s: unexpected script result %d", id, code)
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}

	job := &Job{
		ID:      id,
		Status:  Status(fields[fieldStatus]),
		Error:   fields[fieldError],
		Details: fields[fieldDetails],
	}
	if mode, ok := fields[fieldResultMode]; ok {
		r, err := extract.Decode(extract.Mode(mode), []byte(fields[fieldResultJSON]))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		job.Result = &r
	}
	if t, err := time.Parse(timeLayout, fields[fieldCreatedAt]); err == nil {
		job.CreatedAt = t
	}
	if v, ok := fields[fieldCompletedAt]; ok {
		if t, err := time.Parse(timeLayout, v); err == nil {
			job.CompletedAt = &t
		}
	}
	return job, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
