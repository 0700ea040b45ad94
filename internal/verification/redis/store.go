// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

// Package redis implements verification.Store on Redis hashes.
//
// Each record lives under <prefix><hash> with the fields hash, user_id,
// expires_at (unix milliseconds) and used. Consume is a WATCH/MULTI
// check-and-set retried on contention, so the redemption rules stay in
// verification.Decide.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/castline/castline/internal/verification"
)

// Defaults for Store.
const (
	DefaultPrefix    = "castline:verification:"
	DefaultRetention = 24 * time.Hour
	scanCount        = 256
	consumeRetries   = 64
)

var errMalformed = errors.New("malformed verification record")

// Store persists verification records in Redis.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetention sets how long a record outlives its expiry before Redis
// drops it on its own. Sweeps usually remove it first.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// NewStore creates a Store on client.
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL and returns a connected client.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").With("operation", "parse url").Wrap(err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return client, nil
}

func (s *Store) key(hash string) string { return s.prefix + hash }

// Save writes a new record.
func (s *Store) Save(ctx context.Context, r verification.Record) error {
	if r.Hash == "" || r.UserID == "" {
		return oops.Code("VERIFICATION_SAVE_FAILED").Errorf("hash and user id are required")
	}
	key := s.key(r.Hash)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encode(r))
		pipe.PExpireAt(ctx, key, r.ExpiresAt.Add(s.retention))
		return nil
	})
	if err != nil {
		return oops.Code("VERIFICATION_SAVE_FAILED").With("user_id", r.UserID).Wrap(err)
	}
	return nil
}

// Consume applies the redemption rules to hash. Concurrent redemptions
// race on WATCH; the loser retries and observes the winner's write.
func (s *Store) Consume(ctx context.Context, hash string, now time.Time) (verification.Record, verification.Outcome, error) {
	key := s.key(hash)
	var (
		rec     verification.Record
		outcome verification.Outcome
	)

	attempt := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if isWrongType(err) {
			return errors.Join(verification.ErrCorrupted, err)
		}
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			rec, outcome = verification.Record{}, verification.NotFound
			return nil
		}
		r, err := decode(fields)
		if err != nil {
			return err
		}

		o, purge := verification.Decide(r, now)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if purge {
				pipe.Del(ctx, key)
			} else {
				pipe.HSet(ctx, key, "used", "1")
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !purge {
			r.Used = true
		}
		rec, outcome = r, o
		return nil
	}

	backoff := retry.WithMaxRetries(consumeRetries, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.client.Watch(ctx, attempt, key)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return verification.Record{}, "", oops.Code("VERIFICATION_CONSUME_FAILED").Wrap(err)
	}
	return rec, outcome, nil
}

// Sweep deletes used and expired records. A record with missing or
// unparsable fields, a hash field that disagrees with its key, or a key
// under the prefix that is not a hash yields verification.ErrCorrupted
// before anything is deleted.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	var evict []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if isWrongType(err) {
			return 0, oops.Code("VERIFICATION_STORE_CORRUPTED").
				With("key", key).
				Wrap(errors.Join(verification.ErrCorrupted, err))
		}
		if err != nil {
			return 0, oops.Code("VERIFICATION_SWEEP_FAILED").With("key", key).Wrap(err)
		}
		if len(fields) == 0 {
			continue
		}
		r, err := decode(fields)
		if err == nil && s.key(r.Hash) != key {
			err = errMalformed
		}
		if err != nil {
			return 0, oops.Code("VERIFICATION_STORE_CORRUPTED").
				With("key", key).
				Wrap(errors.Join(verification.ErrCorrupted, err))
		}
		if r.Evictable(now) {
			evict = append(evict, key)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, oops.Code("VERIFICATION_SWEEP_FAILED").Wrap(err)
	}
	if len(evict) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, evict...).Result()
	if err != nil {
		return 0, oops.Code("VERIFICATION_SWEEP_FAILED").Wrap(err)
	}
	return int(n), nil
}

// Reset deletes every key under the prefix.
func (s *Store) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanCount).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return oops.Code("VERIFICATION_RESET_FAILED").Wrap(err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return oops.Code("VERIFICATION_RESET_FAILED").Wrap(err)
	}
	return nil
}

// isWrongType reports a WRONGTYPE reply: a key under the prefix holds
// something other than a hash.
func isWrongType(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE")
}

func encode(r verification.Record) map[string]any {
	used := "0"
	if r.Used {
		used = "1"
	}
	return map[string]any{
		"hash":       r.Hash,
		"user_id":    r.UserID,
		"expires_at": strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10),
		"used":       used,
	}
}

func decode(fields map[string]string) (verification.Record, error) {
	hash, user := fields["hash"], fields["user_id"]
	if hash == "" || strings.TrimSpace(user) == "" {
		return verification.Record{}, errMalformed
	}
	ms, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return verification.Record{}, errors.Join(errMalformed, err)
	}
	var used bool
	switch fields["used"] {
	case "0":
	case "1":
		used = true
	default:
		return verification.Record{}, errMalformed
	}
	return verification.Record{
		Hash:      hash,
		UserID:    user,
		ExpiresAt: time.UnixMilli(ms).UTC(),
		Used:      used,
	}, nil
}

var _ verification.Store = (*Store)(nil)
