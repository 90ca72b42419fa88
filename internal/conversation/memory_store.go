package conversation

import (
	"context"
	"sort"
	"sync"

	xerrors "ChainChat/internal/errors"
)

// MemoryStore 是进程内的会话存储。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Conversation
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Conversation)}
}

// Create 保存新会话，id 重复时返回 CONFLICT。
func (s *MemoryStore) Create(_ context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 id 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[conv.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "会话已存在")
	}
	s.items[conv.ID] = conv.Clone()
	return nil
}

// Get 返回会话副本。
func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// Save 覆盖写入会话。
func (s *MemoryStore) Save(_ context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 id 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[conv.ID]; !ok {
		return ErrNotFound
	}
	s.items[conv.ID] = conv.Clone()
	return nil
}

// List 按更新时间倒序返回会话概要。
func (s *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.items))
	for _, conv := range s.items {
		out = append(out, conv.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
