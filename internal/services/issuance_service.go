package services

import (
	"context"
	"errors"
	"fmt"

	"coupon-system/internal/apperror"
	"coupon-system/internal/database"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"

	"github.com/lib/pq"
)

// inventoryStore — операции пула токенов, используемые при выдаче.
type inventoryStore interface {
	Take(ctx context.Context, couponID, userID int64) error
	Release(ctx context.Context, couponID, userID int64) error
}

// issueEventPublisher — публикация событий выдачи в Kafka.
type issueEventPublisher interface {
	PublishCouponIssueRequested(couponID, userID int64) error
	PublishCouponIssued(msg models.CouponIssuedMessage) error
}

// cacheInvalidator сбрасывает кеш купона после изменения счётчиков.
type cacheInvalidator interface {
	InvalidateCouponCache(ctx context.Context, couponID int64)
}

// IssuanceService выполняет выдачу купона: резервирование токена в Redis,
// создание записи о выдаче в базе и компенсация при сбое.
// Безопасен при конкурентных вызовах из многих процессов: подсчёт
// остатка целиком делегирован атомарному Take, блокировки на пути
// выдачи не используются.
type IssuanceService struct {
	db        *database.DB
	inventory inventoryStore
	producer  issueEventPublisher
	cache     cacheInvalidator
	log       *logger.Logger
}

// NewIssuanceService создаёт сервис выдачи.
func NewIssuanceService(db *database.DB, inventory inventoryStore, producer issueEventPublisher, cache cacheInvalidator, log *logger.Logger) *IssuanceService {
	return &IssuanceService{
		db:        db,
		inventory: inventory,
		producer:  producer,
		cache:     cache,
		log:       log,
	}
}

// Issue выдаёт купон пользователю.
// Если выдача вернула купон — ровно один токен изъят из пула и ровно
// одна запись user_coupons создана. Если вернулась ошибка — токен либо
// не изымался, либо возвращён компенсацией.
func (s *IssuanceService) Issue(ctx context.Context, couponID, userID int64) (*models.UserCoupon, error) {
	if err := s.inventory.Take(ctx, couponID, userID); err != nil {
		return nil, err
	}

	userCoupon := models.IssueUserCoupon(userID, couponID)
	if err := s.persistIssue(ctx, &userCoupon); err != nil {
		if relErr := s.inventory.Release(ctx, couponID, userID); relErr != nil {
			s.log.WithError(relErr).WithFields(map[string]interface{}{
				"coupon_id": couponID,
				"user_id":   userID,
			}).Error("Failed to release inventory token after persistence failure")
		}
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateCouponCache(ctx, couponID)
	}
	if s.producer != nil {
		if err := s.producer.PublishCouponIssued(models.CouponIssuedMessage{
			CouponID:     couponID,
			UserID:       userID,
			UserCouponID: userCoupon.ID,
		}); err != nil {
			s.log.WithError(err).WithField("coupon_id", couponID).Warn("Failed to publish issued event")
		}
	}

	s.log.WithFields(map[string]interface{}{
		"coupon_id":      couponID,
		"user_id":        userID,
		"user_coupon_id": userCoupon.ID,
	}).Info("Coupon issued")

	return &userCoupon, nil
}

// IssueAsync ставит запрос на выдачу в очередь. Фактическая выдача
// выполняется консьюмером; вызывающий получает только подтверждение приёма.
func (s *IssuanceService) IssueAsync(ctx context.Context, couponID, userID int64) error {
	if s.producer == nil {
		return fmt.Errorf("async issuance is not configured")
	}
	if err := s.producer.PublishCouponIssueRequested(couponID, userID); err != nil {
		return fmt.Errorf("failed to enqueue issue request: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"coupon_id": couponID,
		"user_id":   userID,
	}).Info("Issue request enqueued")

	return nil
}

// persistIssue сохраняет запись о выдаче и инкрементирует счётчик купона
// в одной транзакции.
func (s *IssuanceService) persistIssue(ctx context.Context, userCoupon *models.UserCoupon) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertQuery := `
		INSERT INTO user_coupons (id, user_id, coupon_id, status, issued_at, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, insertQuery,
		userCoupon.ID, userCoupon.UserID, userCoupon.CouponID,
		userCoupon.Status, userCoupon.IssuedAt, userCoupon.UsedAt,
	); err != nil {
		// Уникальность (user_id, coupon_id) может сработать при гонке
		// двух запросов, прошедших Take до видимости друг друга.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperror.Duplicate(models.MsgCouponDuplicate, err)
		}
		return fmt.Errorf("failed to insert user coupon: %w", err)
	}

	updateQuery := `
		UPDATE coupons
		SET issued_count = issued_count + 1,
		    status = CASE WHEN issued_count + 1 >= limit_count THEN 'EXPIRED' ELSE status END
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, updateQuery, userCoupon.CouponID); err != nil {
		return fmt.Errorf("failed to increment issued count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
