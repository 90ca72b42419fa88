package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChainChat/pkg/logger"
)

const defaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// Bus 是进程内的事件总线，按会话 id 分发给订阅方。
// 订阅方消费过慢时丢弃新事件，不阻塞状态迁移。
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*subscriber
	closed bool
	now    func() time.Time
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscriber), now: time.Now}
}

// Subscribe 订阅指定会话的事件，返回的函数用于取消订阅。
func (b *Bus) Subscribe(conversationID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]*subscriber)
	}
	b.subs[conversationID][id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.remove(conversationID, id) })
	}
}

func (b *Bus) remove(conversationID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	group := b.subs[conversationID]
	sub, ok := group[id]
	if !ok {
		return
	}
	delete(group, id)
	if len(group) == 0 {
		delete(b.subs, conversationID)
	}
	close(sub.ch)
}

// Subscribers 返回指定会话当前的订阅数。
func (b *Bus) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}

// Publish 实现 Publisher。
func (b *Bus) Publish(_ context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[evt.ConversationID] {
		select {
		case sub.ch <- evt:
		default:
			logger.L().Warn("事件订阅方处理过慢，丢弃事件",
				slog.String("conversation_id", evt.ConversationID),
				slog.String("type", string(evt.Type)))
		}
	}
	return nil
}

// Close 关闭全部订阅。
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for conv, group := range b.subs {
		for _, sub := range group {
			close(sub.ch)
		}
		delete(b.subs, conv)
	}
	return nil
}
