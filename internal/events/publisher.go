package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"Attest-Chain/internal/ledger"
)

// Publisher 将事件投递到外部消息系统。
type Publisher interface {
	Publish(ctx context.Context, ev ledger.Event) error
	Close() error
}

// Encode 将事件编码为对外发布的 JSON 消息体。
func Encode(ev ledger.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("编码事件失败: %w", err)
	}
	return payload, nil
}

// Decode 解析 Encode 生成的消息体。
func Decode(payload []byte) (ledger.Event, error) {
	var ev ledger.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ledger.Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return ev, nil
}

// MemoryPublisher 在内存中保存已发布事件，适合本地开发与测试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
	closed bool
}

// NewMemoryPublisher 创建内存发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 记录事件。
func (p *MemoryPublisher) Publish(_ context.Context, ev ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("内存发布器已关闭")
	}
	p.events = append(p.events, ev)
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []ledger.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ledger.Event(nil), p.events...)
}

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// RedisPublisherConfig 描述 Redis list 发布器的连接参数。
type RedisPublisherConfig struct {
	Address  string
	Password string
	DB       int
	List     string
}

// RedisPublisher 通过 LPUSH 将事件写入 Redis list。
type RedisPublisher struct {
	client redis.UniversalClient
	list   string
	owned  bool
}

// NewRedisPublisher 创建 Redis 发布器并校验连接。
func NewRedisPublisher(ctx context.Context, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	p := NewRedisPublisherWithClient(client, cfg.List)
	p.owned = true
	return p, nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client redis.UniversalClient, list string) *RedisPublisher {
	if list == "" {
		list = "attest:events"
	}
	return &RedisPublisher{client: client, list: list}
}

// Publish 将事件写入 list 头部。
func (p *RedisPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.client.LPush(ctx, p.list, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭自身创建的 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}

// RabbitMQConfig 描述 RabbitMQ 发布器的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQPublisher 将事件发布到 RabbitMQ 队列。
type RabbitMQPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明队列。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "attest.events"
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
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将事件投递到队列。amqp channel 不支持并发发布，因此加锁。
func (p *RabbitMQPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Kind),
		Timestamp:    ev.EmittedAt,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// publishTimeout bounds a single broker round trip.
const publishTimeout = 5 * time.Second
