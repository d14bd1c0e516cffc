package models

import (
	"time"

	"coupon-system/internal/apperror"
)

// CouponStatus описывает статус купона.
type CouponStatus string

const (
	CouponStatusActive  CouponStatus = "ACTIVE"
	CouponStatusExpired CouponStatus = "EXPIRED"
)

// Сообщения, видимые пользователю.
const (
	MsgCouponExpired   = "만료된 쿠폰입니다"
	MsgCouponSoldOut   = "쿠폰 발급 수량이 모두 소진되었습니다"
	MsgCouponDuplicate = "이미 발급받은 쿠폰입니다"
	MsgCouponNotFound  = "쿠폰을 찾을 수 없습니다"
	MsgCouponNotUsable = "사용 할 수 없는 쿠폰입니다"
)

// Coupon представляет купонную кампанию. Значение неизменяемое:
// методы перехода возвращают новый экземпляр.
type Coupon struct {
	ID                int64        `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	DiscountRate      int          `json:"discount_rate" db:"discount_rate"`
	MaxDiscountAmount int          `json:"max_discount_amount" db:"max_discount_amount"`
	Status            CouponStatus `json:"status" db:"status"`
	ExpirationAt      time.Time    `json:"expiration_at" db:"expiration_at"`
	LimitCount        int          `json:"limit_count" db:"limit_count"`
	IssuedCount       int          `json:"issued_count" db:"issued_count"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// NewCoupon создаёт купон со статусом ACTIVE и нулевым счётчиком выдач.
func NewCoupon(name string, discountRate, maxDiscountAmount int, expirationAt time.Time, limitCount int) (Coupon, error) {
	if err := validateDiscountRate(discountRate); err != nil {
		return Coupon{}, err
	}
	if limitCount <= 0 {
		return Coupon{}, apperror.Validation("limit_count must be positive", nil)
	}
	if maxDiscountAmount < 0 {
		return Coupon{}, apperror.Validation("max_discount_amount must be non-negative", nil)
	}
	return Coupon{
		Name:              name,
		DiscountRate:      discountRate,
		MaxDiscountAmount: maxDiscountAmount,
		Status:            CouponStatusActive,
		ExpirationAt:      expirationAt,
		LimitCount:        limitCount,
		IssuedCount:       0,
		CreatedAt:         time.Now(),
	}, nil
}

func validateDiscountRate(rate int) error {
	if rate <= 0 || rate > 50 {
		return apperror.Validation("discount_rate must be between 1 and 50", nil)
	}
	return nil
}

// IsExpired сообщает, истёк ли срок действия купона.
func (c Coupon) IsExpired() bool {
	return c.ExpirationAt.Before(time.Now())
}

// ValidateUsable проверяет, что купон можно выдавать.
func (c Coupon) ValidateUsable() error {
	if c.IssuedCount >= c.LimitCount {
		return apperror.SoldOut(MsgCouponSoldOut, nil)
	}
	if c.IsExpired() {
		return apperror.Expired(MsgCouponExpired, nil)
	}
	if c.Status != CouponStatusActive {
		return apperror.Conflict(MsgCouponNotUsable, nil)
	}
	return nil
}

// IncreaseIssuedCount возвращает копию с увеличенным счётчиком выдач.
// При достижении лимита статус переводится в EXPIRED.
func (c Coupon) IncreaseIssuedCount() (Coupon, error) {
	if err := c.ValidateUsable(); err != nil {
		return Coupon{}, err
	}

	updated := c
	updated.IssuedCount = c.IssuedCount + 1
	if updated.IssuedCount > c.LimitCount {
		return Coupon{}, apperror.SoldOut(MsgCouponSoldOut, nil)
	}
	if updated.IssuedCount == c.LimitCount {
		updated.Status = CouponStatusExpired
	}
	return updated, nil
}

// Expire возвращает копию со статусом EXPIRED.
func (c Coupon) Expire() Coupon {
	updated := c
	updated.Status = CouponStatusExpired
	return updated
}

// DiscountAmount рассчитывает размер скидки для суммы заказа
// с учётом максимального ограничения.
func (c Coupon) DiscountAmount(orderAmount int) int {
	discount := orderAmount * c.DiscountRate / 100
	if discount > c.MaxDiscountAmount {
		return c.MaxDiscountAmount
	}
	return discount
}

// CreateCouponRequest описывает запрос администратора на создание купона.
type CreateCouponRequest struct {
	Name              string `json:"name"`
	DiscountRate      int    `json:"discount_rate"`
	MaxDiscountAmount int    `json:"max_discount_amount"`
	ExpirationDays    int    `json:"expiration_days"`
	LimitCount        int    `json:"limit_count"`
}
