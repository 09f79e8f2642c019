package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"autopen/domain"
)

// SessionStore is the shared state store for checkout sessions. It only
// addresses state consistency across pods and restarts; generated documents
// live on OSS.
type SessionStore interface {
	Create(sess *domain.CheckoutSession) error
	Get(projectID string) (*domain.CheckoutSession, bool, error)
	Update(projectID string, fn func(s *domain.CheckoutSession)) (*domain.CheckoutSession, bool, error)
	// FindByIntent resolves a payment intent id to its project, so async
	// provider notifies can be routed on a pod that never served the project.
	FindByIntent(intentID string) (string, bool, error)
}

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.CheckoutSession
	intents  map[string]string
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*domain.CheckoutSession),
		intents:  make(map[string]string),
	}
}

func (s *InMemorySessionStore) Create(sess *domain.CheckoutSession) error {
	if sess == nil || strings.TrimSpace(sess.ProjectID) == "" {
		return errors.New("session/projectId 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ProjectID] = cloneSession(sess)
	if sess.Intent != nil {
		s.intents[sess.Intent.ID] = sess.ProjectID
	}
	return nil
}

func (s *InMemorySessionStore) Get(projectID string) (*domain.CheckoutSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[projectID]
	if !ok || sess == nil {
		return nil, false, nil
	}
	return cloneSession(sess), true, nil
}

func (s *InMemorySessionStore) Update(projectID string, fn func(s *domain.CheckoutSession)) (*domain.CheckoutSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[projectID]
	if !ok {
		return nil, false, nil
	}
	fn(sess)
	if sess.Intent != nil {
		s.intents[sess.Intent.ID] = projectID
	}
	return cloneSession(sess), true, nil
}

func (s *InMemorySessionStore) FindByIntent(intentID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.intents[strings.TrimSpace(intentID)]
	return pid, ok, nil
}

// cloneSession deep-copies via JSON; sessions are small and this keeps callers
// from mutating shared state outside the lock.
func cloneSession(s *domain.CheckoutSession) *domain.CheckoutSession {
	b, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out domain.CheckoutSession
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

type RedisSessionStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func readSessionTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("CHECKOUT_SESSION_TTL_SECONDS"))
	if raw == "" {
		return 7 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisSessionStore(addr, password string) (*RedisSessionStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR 为空")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("checkout session store: redis enabled addr=%s db=%d ttl=%s", addr, readRedisDB(), readSessionTTL())

	return &RedisSessionStore{
		rdb:       rdb,
		keyPrefix: "ap:checkout:",
		ttl:       readSessionTTL(),
	}, nil
}

func (s *RedisSessionStore) key(projectID string) string {
	return s.keyPrefix + strings.TrimSpace(projectID)
}

func (s *RedisSessionStore) intentKey(intentID string) string {
	return s.keyPrefix + "intent:" + strings.TrimSpace(intentID)
}

func (s *RedisSessionStore) Create(sess *domain.CheckoutSession) error {
	if sess == nil || strings.TrimSpace(sess.ProjectID) == "" {
		return errors.New("session/projectId 为空")
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.SetNX(ctx, s.key(sess.ProjectID), b, s.ttl).Err(); err != nil {
		return err
	}
	if sess.Intent != nil {
		return s.rdb.Set(ctx, s.intentKey(sess.Intent.ID), sess.ProjectID, s.ttl).Err()
	}
	return nil
}

func (s *RedisSessionStore) Get(projectID string) (*domain.CheckoutSession, bool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(projectID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var sess domain.CheckoutSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, false, err
	}
	return &sess, true, nil
}

// Update applies fn under an optimistic WATCH transaction; concurrent writers
// retry a bounded number of times.
func (s *RedisSessionStore) Update(projectID string, fn func(sess *domain.CheckoutSession)) (*domain.CheckoutSession, bool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}

	key := s.key(projectID)

	var out *domain.CheckoutSession
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var sess domain.CheckoutSession
			if err := json.Unmarshal([]byte(val), &sess); err != nil {
				return err
			}
			fn(&sess)
			out = &sess
			ok = true

			nb, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				if sess.Intent != nil {
					pipe.Set(ctx, s.intentKey(sess.Intent.ID), sess.ProjectID, s.ttl)
				}
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisSessionStore) FindByIntent(intentID string) (string, bool, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.intentKey(intentID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
