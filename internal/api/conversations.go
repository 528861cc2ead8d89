package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// DefaultConversationTTL bounds how long a channel address stays bound to a session.
const DefaultConversationTTL = 7 * 24 * time.Hour

// ConversationIndex maps a channel address (an SMS sender) to its current session.
type ConversationIndex interface {
	Lookup(ctx context.Context, address string) (sessionID string, ok bool, err error)
	Bind(ctx context.Context, address, sessionID string) error
	Unbind(ctx context.Context, address string) error
}

// MemoryConversations is a process-local ConversationIndex.
type MemoryConversations struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{sessions: make(map[string]string)}
}

func (m *MemoryConversations) Lookup(ctx context.Context, address string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessions[address]
	return id, ok, nil
}

func (m *MemoryConversations) Bind(ctx context.Context, address, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[address] = sessionID
	return nil
}

func (m *MemoryConversations) Unbind(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, address)
	return nil
}

// RedisConversations shares the index between replicas. Keys are prefix + "conv:" + address.
type RedisConversations struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisConversations creates a Redis index. A non-positive ttl uses DefaultConversationTTL.
func NewRedisConversations(client backend.UniversalClient, prefix string, ttl time.Duration) *RedisConversations {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	return &RedisConversations{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisConversations) key(address string) string {
	return r.prefix + "conv:" + address
}

func (r *RedisConversations) Lookup(ctx context.Context, address string) (string, bool, error) {
	id, err := r.client.Get(ctx, r.key(address)).Result()
	if errors.Is(err, backend.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup conversation: %w", err)
	}
	return id, true, nil
}

func (r *RedisConversations) Bind(ctx context.Context, address, sessionID string) error {
	if err := r.client.Set(ctx, r.key(address), sessionID, r.ttl).Err(); err != nil {
		return fmt.Errorf("bind conversation: %w", err)
	}
	return nil
}

func (r *RedisConversations) Unbind(ctx context.Context, address string) error {
	if err := r.client.Del(ctx, r.key(address)).Err(); err != nil {
		return fmt.Errorf("unbind conversation: %w", err)
	}
	return nil
}
