package models

import (
	"time"

	"coupon-system/internal/apperror"

	"github.com/google/uuid"
)

// UserCouponStatus описывает статус выданного пользователю купона.
type UserCouponStatus string

const (
	UserCouponStatusIssued UserCouponStatus = "ISSUED"
	UserCouponStatusUsed   UserCouponStatus = "USED"
)

// UserCoupon представляет купон, выданный конкретному пользователю.
// На пару (user_id, coupon_id) существует не более одной записи.
type UserCoupon struct {
	ID       uuid.UUID        `json:"id" db:"id"`
	UserID   int64            `json:"user_id" db:"user_id"`
	CouponID int64            `json:"coupon_id" db:"coupon_id"`
	Status   UserCouponStatus `json:"status" db:"status"`
	IssuedAt time.Time        `json:"issued_at" db:"issued_at"`
	UsedAt   *time.Time       `json:"used_at,omitempty" db:"used_at"`
}

// IssueUserCoupon создаёт новую запись о выдаче в статусе ISSUED.
func IssueUserCoupon(userID, couponID int64) UserCoupon {
	return UserCoupon{
		ID:       uuid.New(),
		UserID:   userID,
		CouponID: couponID,
		Status:   UserCouponStatusIssued,
		IssuedAt: time.Now(),
		UsedAt:   nil,
	}
}

// Use переводит купон в статус USED. Допустимо только из статуса ISSUED.
func (uc UserCoupon) Use() (UserCoupon, error) {
	if uc.Status != UserCouponStatusIssued {
		return UserCoupon{}, apperror.Conflict(MsgCouponNotUsable, nil)
	}
	now := time.Now()
	updated := uc
	updated.Status = UserCouponStatusUsed
	updated.UsedAt = &now
	return updated, nil
}

// Refund возвращает купон из статуса USED обратно в ISSUED и сбрасывает used_at.
func (uc UserCoupon) Refund() (UserCoupon, error) {
	if uc.Status != UserCouponStatusUsed {
		return UserCoupon{}, apperror.Conflict("환불 가능한 쿠폰이 아닙니다", nil)
	}
	updated := uc
	updated.Status = UserCouponStatusIssued
	updated.UsedAt = nil
	return updated, nil
}

// UseCouponRequest описывает запрос на использование/возврат купона пользователя.
type UseCouponRequest struct {
	UserCouponID uuid.UUID `json:"user_coupon_id"`
}
