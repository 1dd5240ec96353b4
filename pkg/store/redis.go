package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"virtualfit/pkg/job"
)

const maxTxRetries = 3

var errDuplicateID = errors.New("job id already taken")

// RedisStore keeps every job in a single Redis hash so that status and
// payload are written and read together.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	keyBase string
	now     func() time.Time
}

// NewRedisStore connects to Redis and returns a job store
func NewRedisStore(redisURL string, ttl time.Duration, keyBase string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.MaxRetries = 5
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 2 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreFromClient(client, ttl, keyBase), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration, keyBase string) *RedisStore {
	if keyBase == "" {
		keyBase = "tryon:job"
	}
	return &RedisStore{
		client:  client,
		ttl:     ttl,
		keyBase: keyBase,
		now:     time.Now,
	}
}

func (s *RedisStore) key(id string) string {
	return s.keyBase + ":" + id
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Create stores a pending job under a fresh id
func (s *RedisStore) Create(ctx context.Context, in job.Input) (string, error) {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		id := newID()
		now := s.now()
		j := job.Job{
			ID:        id,
			Status:    job.StatusPending,
			Input:     in,
			CreatedAt: now,
			UpdatedAt: now,
		}

		key := s.key(id)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errDuplicateID
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, encodeJob(j))
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, errDuplicateID) || errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create job %s: %w", id, err)
		}
		return id, nil
	}
	return "", errors.New("create job: could not allocate a unique id")
}

// Get loads a job snapshot with one HGETALL
func (s *RedisStore) Get(ctx context.Context, id string) (job.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return job.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return job.Job{}, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return decodeJob(id, fields)
}

// SetStatus applies a transition inside a WATCH/MULTI transaction
func (s *RedisStore) SetStatus(ctx context.Context, id string, status job.Status, upd job.Update) error {
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}

		current, err := decodeJob(id, fields)
		if err != nil {
			return err
		}
		next, err := current.Apply(status, upd, s.now())
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeState(next))
			return nil
		})
		return err
	}

	var err error
	for retries := 0; retries < maxTxRetries; retries++ {
		err = s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("job update raced, retrying", "job_id", id, "attempt", retries+1)
			continue
		}
		return err
	}
	return fmt.Errorf("set status for job %s: %w", id, err)
}

const (
	fieldStatus       = "status"
	fieldResult       = "result"
	fieldResultExt    = "result_ext"
	fieldError        = "error"
	fieldSubject      = "subject"
	fieldSubjectExt   = "subject_ext"
	fieldReference    = "reference"
	fieldReferenceExt = "reference_ext"
	fieldDescription  = "description"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

func encodeState(j job.Job) map[string]interface{} {
	return map[string]interface{}{
		fieldStatus:    string(j.Status),
		fieldResult:    j.Result,
		fieldResultExt: j.ResultExt,
		fieldError:     j.Error,
		fieldUpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func encodeJob(j job.Job) map[string]interface{} {
	m := encodeState(j)
	m[fieldSubject] = j.Input.Subject.Data
	m[fieldSubjectExt] = j.Input.Subject.Ext
	m[fieldReference] = j.Input.Reference.Data
	m[fieldReferenceExt] = j.Input.Reference.Ext
	m[fieldDescription] = j.Input.Description
	m[fieldCreatedAt] = j.CreatedAt.UTC().Format(time.RFC3339Nano)
	return m
}

func decodeJob(id string, fields map[string]string) (job.Job, error) {
	status := job.Status(fields[fieldStatus])
	if !status.Valid() {
		return job.Job{}, fmt.Errorf("job %s has unknown status %q", id, fields[fieldStatus])
	}

	j := job.Job{
		ID:        id,
		Status:    status,
		ResultExt: fields[fieldResultExt],
		Error:     fields[fieldError],
		Input: job.Input{
			Subject:     job.Image{Data: bytesOrNil(fields[fieldSubject]), Ext: fields[fieldSubjectExt]},
			Reference:   job.Image{Data: bytesOrNil(fields[fieldReference]), Ext: fields[fieldReferenceExt]},
			Description: fields[fieldDescription],
		},
	}
	if status == job.StatusCompleted {
		j.Result = bytesOrNil(fields[fieldResult])
	}
	if v := fields[fieldCreatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.CreatedAt = t
		}
	}
	if v := fields[fieldUpdatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.UpdatedAt = t
		}
	}
	return j, nil
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
