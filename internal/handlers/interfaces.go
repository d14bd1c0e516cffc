package handlers

import (
	"context"
	"time"

	"coupon-system/internal/models"

	"github.com/google/uuid"
)

// ----- Coupons -----

type CouponService interface {
	CreateCoupon(ctx context.Context, req *models.CreateCouponRequest) (*models.Coupon, error)
	GetCoupon(ctx context.Context, couponID int64) (*models.Coupon, error)
	ListUserCoupons(ctx context.Context, userID int64) ([]*models.UserCoupon, error)
	UseCoupon(ctx context.Context, userCouponID uuid.UUID) (*models.UserCoupon, error)
	RefundCoupon(ctx context.Context, userCouponID uuid.UUID) (*models.UserCoupon, error)
}

type IssuanceService interface {
	Issue(ctx context.Context, couponID, userID int64) (*models.UserCoupon, error)
	IssueAsync(ctx context.Context, couponID, userID int64) error
}

// ----- Rate limiting -----

type MiddlewareLimiter interface {
	Enabled() bool
	Limit() int64
	Allow(ctx context.Context, key string) (bool, int64, time.Time, error)
}

// ----- Health -----

type DBHealth interface {
	Health() error
}

type RedisHealth interface {
	Health(ctx context.Context) error
}
