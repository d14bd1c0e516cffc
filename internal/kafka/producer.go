package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"

	"coupon-system/internal/config"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"

	"github.com/IBM/sarama"
)

// Producer отправляет события в Kafka.
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	topics   *config.Topics
}

// NewProducer создает нового продюсера Kafka
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.Info("Successfully connected to Kafka producer")

	return &Producer{
		producer: producer,
		log:      log,
		topics:   &cfg.Topics,
	}, nil
}

// Close закрывает продюсера
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// PublishCouponIssueRequested ставит запрос на выдачу в очередь.
// Ключ сообщения — coupon_id: все запросы по одному купону попадают
// в одну партицию и обрабатываются по порядку.
func (p *Producer) PublishCouponIssueRequested(couponID, userID int64) error {
	event, err := models.NewEvent(models.EventTypeCouponIssueRequested, models.CouponIssueMessage{
		CouponID: couponID,
		UserID:   userID,
	})
	if err != nil {
		return fmt.Errorf("failed to build issue request event: %w", err)
	}
	return p.publishEvent(p.topics.CouponIssue, strconv.FormatInt(couponID, 10), event)
}

// PublishCouponIssued публикует уведомление об успешной выдаче.
func (p *Producer) PublishCouponIssued(msg models.CouponIssuedMessage) error {
	event, err := models.NewEvent(models.EventTypeCouponIssued, msg)
	if err != nil {
		return fmt.Errorf("failed to build issued event: %w", err)
	}
	return p.publishEvent(p.topics.CouponIssue, strconv.FormatInt(msg.CouponID, 10), event)
}

// PublishRetry переотправляет событие с обновлённым счётчиком попыток.
// Используется консьюмером для повторной доставки и dead-letter.
func (p *Producer) PublishRetry(topic string, key []byte, event models.Event, attempts int) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(attemptsHeader), Value: []byte(strconv.Itoa(attempts))},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	p.log.WithFields(map[string]interface{}{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"attempts":  attempts,
	}).Warn("Event republished")

	return nil
}

// publishEvent сериализует и отправляет событие в указанный топик.
func (p *Producer) publishEvent(topic, key string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", topic, err)
	}

	p.log.WithFields(map[string]interface{}{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"event_id":  event.ID,
		"type":      event.Type,
	}).Debug("Event published")

	return nil
}
