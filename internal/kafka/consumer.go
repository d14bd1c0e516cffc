package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"coupon-system/internal/apperror"
	"coupon-system/internal/config"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"

	"github.com/IBM/sarama"
)

const attemptsHeader = "attempts"

// EventHandler обрабатывает событие из Kafka.
type EventHandler func(ctx context.Context, event *models.Event) error

// RetryPublisher переотправляет событие для повторной доставки
// или в dead-letter топик.
type RetryPublisher interface {
	PublishRetry(topic string, key []byte, event models.Event, attempts int) error
}

// Consumer читает события из Kafka в составе группы консьюмеров.
// Доставка at-least-once: повторная обработка того же запроса на выдачу
// безопасна за счёт проверки дубликатов в хранилище остатков.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	log         *logger.Logger
	handlers    map[models.EventType]EventHandler
	topics      []string
	retry       RetryPublisher
	dlqTopic    string
	maxAttempts int
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewConsumer создает нового консьюмера Kafka
func NewConsumer(cfg *config.KafkaConfig, log *logger.Logger, retry RetryPublisher) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer:    group,
		log:         log,
		handlers:    make(map[models.EventType]EventHandler),
		topics:      []string{cfg.Topics.CouponIssue},
		retry:       retry,
		dlqTopic:    cfg.Topics.CouponIssueDLQ,
		maxAttempts: cfg.MaxAttempts,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// NewTestConsumer создает консьюмера с подменённой группой (для тестов).
func NewTestConsumer(group sarama.ConsumerGroup, log *logger.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer:    group,
		log:         log,
		handlers:    make(map[models.EventType]EventHandler),
		topics:      []string{"coupon-issue"},
		dlqTopic:    "coupon-issue.dlq",
		maxAttempts: 3,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterHandler регистрирует обработчик для типа события.
func (c *Consumer) RegisterHandler(eventType models.EventType, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
}

// Handler возвращает обработчик для типа события.
func (c *Consumer) Handler(eventType models.EventType) EventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[eventType]
}

// HandlerCount возвращает количество зарегистрированных обработчиков.
func (c *Consumer) HandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Start запускает цикл потребления в отдельной горутине.
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
				c.log.WithError(err).Error("Kafka consume error")
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

// Stop останавливает консьюмера и дожидается завершения цикла.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.consumer != nil {
		return c.consumer.Close()
	}
	return nil
}

// Setup вызывается при старте сессии группы.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается при завершении сессии группы.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции.
// Сообщение подтверждается всегда: временные сбои переотправляются
// с ограничением попыток, после чего уходят в dead-letter.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.processMessage(msg); err != nil {
			c.handleFailure(msg, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// processMessage разбирает событие и вызывает зарегистрированный обработчик.
func (c *Consumer) processMessage(msg *sarama.ConsumerMessage) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	handler := c.Handler(event.Type)
	if handler == nil {
		c.log.WithFields(map[string]interface{}{
			"topic": msg.Topic,
			"type":  event.Type,
		}).Debug("No handler registered for event")
		return nil
	}

	return handler(c.ctx, &event)
}

// handleFailure решает судьбу неудачного сообщения: ожидаемые конечные
// исходы (распродано, повторная выдача, истёкший купон) подтверждаются
// без повтора, остальное переотправляется до исчерпания лимита попыток.
func (c *Consumer) handleFailure(msg *sarama.ConsumerMessage, procErr error) {
	if apperror.Is(procErr, apperror.KindSoldOut) ||
		apperror.Is(procErr, apperror.KindDuplicate) ||
		apperror.Is(procErr, apperror.KindExpired) {
		c.log.WithError(procErr).WithFields(map[string]interface{}{
			"topic": msg.Topic,
			"key":   string(msg.Key),
		}).Warn("Issue request finished with terminal outcome")
		return
	}

	if c.retry == nil {
		c.log.WithError(procErr).Error("Failed to process event, retry publisher is not configured")
		return
	}

	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.log.WithError(err).Error("Failed to parse event for redelivery")
		return
	}

	attempts := messageAttempts(msg) + 1
	topic := msg.Topic
	if attempts >= c.maxAttempts {
		topic = c.dlqTopic
	}

	if err := c.retry.PublishRetry(topic, msg.Key, event, attempts); err != nil {
		c.log.WithError(err).WithField("topic", topic).Error("Failed to republish event")
	}
}

func messageAttempts(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == attemptsHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}
