package services

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coupon-system/internal/apperror"
	"coupon-system/internal/config"
	"coupon-system/internal/database"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"
	"coupon-system/internal/redis"

	"github.com/google/uuid"
)

// couponCache — операции кеша купонов.
type couponCache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
}

// inventorySeeder заполняет пул токенов при создании купона.
type inventorySeeder interface {
	Initialize(ctx context.Context, couponID int64, limitCount int, expirationAt time.Time) error
}

// distributedLock сериализует составные операции между процессами.
type distributedLock interface {
	WithLock(ctx context.Context, key string, waitTime, leaseTime time.Duration, body func(ctx context.Context) error) error
}

// CouponService управляет купонами и выданными пользователям купонами.
type CouponService struct {
	db        *database.DB
	cache     couponCache
	inventory inventorySeeder
	lock      distributedLock
	log       *logger.Logger
	cacheTTL  time.Duration
	lockWait  time.Duration
	lockLease time.Duration
}

// NewCouponService создаёт сервис купонов.
func NewCouponService(db *database.DB, cache couponCache, inventory inventorySeeder, lock distributedLock, log *logger.Logger, cacheCfg *config.CacheConfig, lockCfg *config.LockConfig) *CouponService {
	return &CouponService{
		db:        db,
		cache:     cache,
		inventory: inventory,
		lock:      lock,
		log:       log,
		cacheTTL:  time.Duration(cacheCfg.CouponTTLMinutes) * time.Minute,
		lockWait:  time.Duration(lockCfg.WaitSeconds) * time.Second,
		lockLease: time.Duration(lockCfg.LeaseSeconds) * time.Second,
	}
}

// CreateCoupon создаёт купон и заполняет пул токенов в Redis.
// Запись в базу и заполнение пула затрагивают две системы и не
// укладываются в одну транзакцию, поэтому выполняются под
// распределённой блокировкой.
func (s *CouponService) CreateCoupon(ctx context.Context, req *models.CreateCouponRequest) (*models.Coupon, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperror.Validation("name is required", nil)
	}
	if req.ExpirationDays <= 0 {
		return nil, apperror.Validation("expiration_days must be positive", nil)
	}

	expirationAt := time.Now().AddDate(0, 0, req.ExpirationDays)
	coupon, err := models.NewCoupon(req.Name, req.DiscountRate, req.MaxDiscountAmount, expirationAt, req.LimitCount)
	if err != nil {
		return nil, err
	}

	lockKey := "coupon:create:" + req.Name
	err = s.lock.WithLock(ctx, lockKey, s.lockWait, s.lockLease, func(ctx context.Context) error {
		query := `
			INSERT INTO coupons (name, discount_rate, max_discount_amount, status, expiration_at, limit_count, issued_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		if err := s.db.QueryRowContext(ctx, query,
			coupon.Name, coupon.DiscountRate, coupon.MaxDiscountAmount, coupon.Status,
			coupon.ExpirationAt, coupon.LimitCount, coupon.IssuedCount, coupon.CreatedAt,
		).Scan(&coupon.ID); err != nil {
			return fmt.Errorf("failed to create coupon: %w", err)
		}

		return s.inventory.Initialize(ctx, coupon.ID, coupon.LimitCount, coupon.ExpirationAt)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"coupon_id":   coupon.ID,
		"limit_count": coupon.LimitCount,
	}).Info("Coupon created")

	return &coupon, nil
}

// GetCoupon возвращает купон по ID с кешированием в Redis.
func (s *CouponService) GetCoupon(ctx context.Context, couponID int64) (*models.Coupon, error) {
	cacheKey := redis.GenerateKey(redis.KeyPrefixCoupon, strconv.FormatInt(couponID, 10))

	var cached models.Coupon
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	coupon, err := s.getCouponFromDB(ctx, couponID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cacheKey, coupon, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("coupon_id", couponID).Warn("Failed to cache coupon")
	}
	return coupon, nil
}

// InvalidateCouponCache сбрасывает кеш купона после изменения счётчиков.
func (s *CouponService) InvalidateCouponCache(ctx context.Context, couponID int64) {
	cacheKey := redis.GenerateKey(redis.KeyPrefixCoupon, strconv.FormatInt(couponID, 10))
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		s.log.WithError(err).WithField("coupon_id", couponID).Warn("Failed to invalidate coupon cache")
	}
}

func (s *CouponService) getCouponFromDB(ctx context.Context, couponID int64) (*models.Coupon, error) {
	query := `
		SELECT id, name, discount_rate, max_discount_amount, status, expiration_at, limit_count, issued_count, created_at
		FROM coupons
		WHERE id = $1
	`

	coupon := &models.Coupon{}
	if err := s.db.QueryRowContext(ctx, query, couponID).Scan(
		&coupon.ID, &coupon.Name, &coupon.DiscountRate, &coupon.MaxDiscountAmount,
		&coupon.Status, &coupon.ExpirationAt, &coupon.LimitCount, &coupon.IssuedCount, &coupon.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound(models.MsgCouponNotFound, err)
		}
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	return coupon, nil
}

// ListActiveCoupons возвращает все активные купоны (для сверки остатков).
func (s *CouponService) ListActiveCoupons(ctx context.Context) ([]*models.Coupon, error) {
	query := `
		SELECT id, name, discount_rate, max_discount_amount, status, expiration_at, limit_count, issued_count, created_at
		FROM coupons
		WHERE status = $1
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, models.CouponStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active coupons: %w", err)
	}
	defer rows.Close()

	var coupons []*models.Coupon
	for rows.Next() {
		c := &models.Coupon{}
		if err := rows.Scan(&c.ID, &c.Name, &c.DiscountRate, &c.MaxDiscountAmount, &c.Status,
			&c.ExpirationAt, &c.LimitCount, &c.IssuedCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan coupon: %w", err)
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

// UpdateLimitCount корректирует лимит выдачи по наблюдаемому остатку.
func (s *CouponService) UpdateLimitCount(ctx context.Context, couponID int64, limitCount int) error {
	result, err := s.db.ExecContext(ctx, "UPDATE coupons SET limit_count = $1 WHERE id = $2", limitCount, couponID)
	if err != nil {
		return fmt.Errorf("failed to update limit count: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound(models.MsgCouponNotFound, nil)
	}
	s.InvalidateCouponCache(ctx, couponID)
	return nil
}

// ListUserCoupons возвращает купоны, выданные пользователю.
func (s *CouponService) ListUserCoupons(ctx context.Context, userID int64) ([]*models.UserCoupon, error) {
	query := `
		SELECT id, user_id, coupon_id, status, issued_at, used_at
		FROM user_coupons
		WHERE user_id = $1
		ORDER BY issued_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user coupons: %w", err)
	}
	defer rows.Close()

	var coupons []*models.UserCoupon
	for rows.Next() {
		uc := &models.UserCoupon{}
		if err := rows.Scan(&uc.ID, &uc.UserID, &uc.CouponID, &uc.Status, &uc.IssuedAt, &uc.UsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user coupon: %w", err)
		}
		coupons = append(coupons, uc)
	}
	return coupons, rows.Err()
}

// UseCoupon переводит купон пользователя в статус USED.
func (s *CouponService) UseCoupon(ctx context.Context, userCouponID uuid.UUID) (*models.UserCoupon, error) {
	return s.transitionUserCoupon(ctx, userCouponID, func(uc models.UserCoupon) (models.UserCoupon, error) {
		return uc.Use()
	})
}

// RefundCoupon возвращает использованный купон в статус ISSUED.
func (s *CouponService) RefundCoupon(ctx context.Context, userCouponID uuid.UUID) (*models.UserCoupon, error) {
	return s.transitionUserCoupon(ctx, userCouponID, func(uc models.UserCoupon) (models.UserCoupon, error) {
		return uc.Refund()
	})
}

func (s *CouponService) transitionUserCoupon(ctx context.Context, userCouponID uuid.UUID, transition func(models.UserCoupon) (models.UserCoupon, error)) (*models.UserCoupon, error) {
	uc := models.UserCoupon{}
	query := `
		SELECT id, user_id, coupon_id, status, issued_at, used_at
		FROM user_coupons
		WHERE id = $1
	`
	if err := s.db.QueryRowContext(ctx, query, userCouponID).Scan(
		&uc.ID, &uc.UserID, &uc.CouponID, &uc.Status, &uc.IssuedAt, &uc.UsedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("사용자 쿠폰을 찾을 수 없습니다", err)
		}
		return nil, fmt.Errorf("failed to get user coupon: %w", err)
	}

	updated, err := transition(uc)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE user_coupons SET status = $1, used_at = $2 WHERE id = $3",
		updated.Status, updated.UsedAt, updated.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update user coupon: %w", err)
	}

	return &updated, nil
}
