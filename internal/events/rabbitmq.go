package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述事件投递的 RabbitMQ 参数。
type RabbitMQConfig struct {
	URL string
	// Exchange 为空时直接投递到 Queue。
	Exchange string
	Queue    string
	Durable  bool
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ 把事件以 JSON 形式投递到 RabbitMQ，供审计或外部系统消费。
type RabbitMQ struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       amqpChannel
	exchange string
	queue    string
}

// NewRabbitMQ 建立连接并声明交换机与队列。
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "chainchat.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
		}
		if err := ch.QueueBind(queue, "chainchat.#", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	return &RabbitMQ{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue}, nil
}

func newRabbitMQWithChannel(ch amqpChannel, exchange, queue string) *RabbitMQ {
	return &RabbitMQ{ch: ch, exchange: exchange, queue: queue}
}

// RoutingKey 返回事件的路由键。
func (r *RabbitMQ) RoutingKey(evt Event) string {
	if r.exchange == "" {
		return r.queue
	}
	return "chainchat." + string(evt.Type)
}

// Publish 实现 Publisher。文本增量过于频繁，不投递到队列。
func (r *RabbitMQ) Publish(ctx context.Context, evt Event) error {
	if r == nil || r.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	if evt.Type == TypeTextDelta {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ch.PublishWithContext(ctx, r.exchange, r.RoutingKey(evt), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(evt.Type),
		Timestamp:    evt.OccurredAt,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("投递事件失败: %w", err)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (r *RabbitMQ) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
