// Package latch 提供按 key 的一次性执行闩锁。一旦获取成功便永不释放。
package latch

import (
	"context"
	"sync"
)

// Latch 保证同一个 key 只有第一次 Acquire 返回 true。
type Latch interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

// Key 按会话与调用 id 组合闩锁的 key。
func Key(conversationID, invocationID string) string {
	return conversationID + ":" + invocationID
}

// Memory 是进程内实现。
type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemory 创建进程内闩锁。
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

// Acquire 实现 Latch。
func (m *Memory) Acquire(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

// Held 判断 key 是否已被获取。
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[key]
	return ok
}
