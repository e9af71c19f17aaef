// Package history keeps the recent question/answer turns of a session.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/shopvoice/config"
)

// Turn is one exchange in a session.
type Turn struct {
	RunID     string    `json:"run_id"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Audio     bool      `json:"audio,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrInvalidSession = errors.New("history: session id is empty")

// Store is keyed by session id. List returns turns oldest first.
type Store interface {
	Append(ctx context.Context, session string, t Turn) error
	List(ctx context.Context, session string) ([]Turn, error)
	Clear(ctx context.Context, session string) error
}

const keyPrefix = "shopvoice:history:"

// Redis stores each session as a capped list.
type Redis struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

func NewRedis(client *redis.Client, limit int, ttl time.Duration) *Redis {
	return &Redis{client: client, limit: limit, ttl: ttl}
}

// Conn builds a client from cfg and checks it with PING.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if strings.TrimSpace(cfg.URL) != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: cfg.Addr(), Password: cfg.Password, DB: cfg.DB}
	}
	opts.DialTimeout = 5 * time.Second
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (r *Redis) Append(ctx context.Context, session string, t Turn) error {
	if session == "" {
		return ErrInvalidSession
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := keyPrefix + session
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.limit > 0 {
		pipe.LTrim(ctx, key, int64(-r.limit), -1)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) List(ctx context.Context, session string) ([]Turn, error) {
	if session == "" {
		return nil, ErrInvalidSession
	}
	vals, err := r.client.LRange(ctx, keyPrefix+session, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *Redis) Clear(ctx context.Context, session string) error {
	if session == "" {
		return ErrInvalidSession
	}
	return r.client.Del(ctx, keyPrefix+session).Err()
}

// Memory is a process-local Store. Expired sessions are dropped on access.
type Memory struct {
	mu       sync.Mutex
	limit    int
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*memSession
}

type memSession struct {
	turns   []Turn
	touched time.Time
}

func NewMemory(limit int, ttl time.Duration) *Memory {
	return &Memory{limit: limit, ttl: ttl, now: time.Now, sessions: map[string]*memSession{}}
}

func (m *Memory) Append(_ context.Context, session string, t Turn) error {
	if session == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.live(session)
	if s == nil {
		s = &memSession{}
		m.sessions[session] = s
	}
	s.turns = append(s.turns, t)
	if m.limit > 0 && len(s.turns) > m.limit {
		s.turns = append([]Turn(nil), s.turns[len(s.turns)-m.limit:]...)
	}
	s.touched = m.now()
	return nil
}

func (m *Memory) List(_ context.Context, session string) ([]Turn, error) {
	if session == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.live(session)
	if s == nil {
		return []Turn{}, nil
	}
	return append([]Turn(nil), s.turns...), nil
}

func (m *Memory) Clear(_ context.Context, session string) error {
	if session == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	delete(m.sessions, session)
	m.mu.Unlock()
	return nil
}

// live returns the session unless it has expired. Callers hold mu.
func (m *Memory) live(session string) *memSession {
	s, ok := m.sessions[session]
	if !ok {
		return nil
	}
	if m.ttl > 0 && m.now().Sub(s.touched) > m.ttl {
		delete(m.sessions, session)
		return nil
	}
	return s
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*Memory)(nil)
)
