// Package recents keeps a short per-account history of finished calls in redis.
package recents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	OutcomeAnswered  = "answered"
	OutcomeMissed    = "missed"
	OutcomeDeclined  = "declined"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"

	defaultPrefix     = "softphone:recents:v1"
	defaultMaxEntries = 50
)

// Entry is one finished call.
type Entry struct {
	ID          string        `json:"id"`
	Account     string        `json:"account"`
	Direction   string        `json:"direction"`
	RemoteParty string        `json:"remote_party"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration_ns"`
	Outcome     string        `json:"outcome"`
}

type Options struct {
	Enabled    bool
	Addr       string
	Username   string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	MaxEntries int
}

// Store is nil-safe: a nil *Store records nothing and lists nothing.
type Store struct {
	client     redis.Cmdable
	closer     func() error
	prefix     string
	ttl        time.Duration
	maxEntries int
}

// New connects to redis. It returns nil, nil when the store is disabled.
func New(ctx context.Context, opts Options) (*Store, error) {
	if !opts.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required when recents are enabled")
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("[Recents] Connected to redis at %s", addr)
	return NewWithClient(c, c.Close, opts), nil
}

// NewWithClient wraps an existing redis client. closer may be nil.
func NewWithClient(client redis.Cmdable, closer func() error, opts Options) *Store {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	max := opts.MaxEntries
	if max <= 0 {
		max = defaultMaxEntries
	}
	return &Store{
		client:     client,
		closer:     closer,
		prefix:     prefix,
		ttl:        opts.TTL,
		maxEntries: max,
	}
}

func (s *Store) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *Store) key(account string) string {
	account = strings.TrimSpace(account)
	if account == "" {
		account = "anonymous"
	}
	return fmt.Sprintf("%s:%s", s.prefix, account)
}

// Record pushes e to the head of the account's list and trims it.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	key := s.key(e.Account)
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	if err := s.client.LTrim(ctx, key, 0, int64(s.maxEntries-1)).Err(); err != nil {
		log.Printf("[Recents] Warning: failed to trim %s: %v", key, err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			log.Printf("[Recents] Warning: failed to set TTL on %s: %v", key, err)
		}
	}
	return nil
}

// List returns up to n entries for account, newest first.
func (s *Store) List(ctx context.Context, account string, n int) ([]Entry, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	if n <= 0 || n > s.maxEntries {
		n = s.maxEntries
	}
	raw, err := s.client.LRange(ctx, s.key(account), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recents: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Printf("[Recents] Skipping bad entry: %v", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
