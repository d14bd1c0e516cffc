package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"coupon-system/internal/apperror"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"
)

// Inventory хранит остаток купона в Redis: список анонимных токенов
// (пул выдачи) и множество пользователей, уже получивших купон.
// Оба ключа живут до момента истечения купона.
type Inventory struct {
	client *Client
	log    *logger.Logger
}

// NewInventory создаёт хранилище остатков.
func NewInventory(client *Client, log *logger.Logger) *Inventory {
	return &Inventory{client: client, log: log}
}

func inventoryKey(couponID int64) string {
	return fmt.Sprintf("coupon:%d:inventory", couponID)
}

func claimantsKey(couponID int64) string {
	return fmt.Sprintf("coupon:%d:issued_users", couponID)
}

// takeScript выполняет выдачу одного токена как единый неделимый шаг:
// проверка существования, проверка повторной выдачи, LPOP и SADD либо
// происходят целиком, либо не происходят вовсе. При пустом пуле никакие
// данные не изменяются.
//
// Redis удаляет пустой список, поэтому отсутствие записи определяется
// по обоим ключам сразу: после полного разбора пула остаётся множество
// получателей, а после истечения TTL исчезают оба ключа.
const takeScript = `
if redis.call('EXISTS', KEYS[1]) + redis.call('EXISTS', KEYS[2]) == 0 then
	return 'expired'
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 'duplicate'
end
local ttl = redis.call('PTTL', KEYS[1])
local token = redis.call('LPOP', KEYS[1])
if not token then
	return 'sold_out'
end
redis.call('SADD', KEYS[2], ARGV[1])
if redis.call('PTTL', KEYS[2]) < 0 and ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 'ok'
`

// Initialize очищает и заново заполняет пул токенов купона.
// Административная операция: не должна вызываться параллельно с выдачей.
func (i *Inventory) Initialize(ctx context.Context, couponID int64, limitCount int, expirationAt time.Time) error {
	invKey := inventoryKey(couponID)
	clmKey := claimantsKey(couponID)

	if err := i.client.client.Del(ctx, invKey, clmKey).Err(); err != nil {
		return fmt.Errorf("failed to reset inventory for coupon %d: %w", couponID, err)
	}

	ttl := time.Until(expirationAt)
	if ttl <= 0 {
		// Купон уже истёк: запись не создаётся, любая попытка выдачи
		// завершится ошибкой "만료된 쿠폰입니다".
		return nil
	}

	pipe := i.client.client.Pipeline()
	for n := 0; n < limitCount; n++ {
		pipe.LPush(ctx, invKey, strconv.Itoa(n))
	}
	pipe.Expire(ctx, invKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed inventory for coupon %d: %w", couponID, err)
	}

	i.log.WithFields(map[string]interface{}{
		"coupon_id":   couponID,
		"limit_count": limitCount,
		"ttl":         ttl.String(),
	}).Info("Coupon inventory initialized")

	return nil
}

// Take атомарно забирает один токен из пула и регистрирует пользователя
// в множестве получателей. Из N конкурентных вызовов за последний токен
// ровно один завершается успехом.
func (i *Inventory) Take(ctx context.Context, couponID, userID int64) error {
	res, err := i.client.client.Eval(ctx, takeScript,
		[]string{inventoryKey(couponID), claimantsKey(couponID)},
		strconv.FormatInt(userID, 10),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to take inventory for coupon %d: %w", couponID, err)
	}

	switch res {
	case "ok":
		return nil
	case "expired":
		return apperror.Expired(models.MsgCouponExpired, nil)
	case "duplicate":
		return apperror.Duplicate(models.MsgCouponDuplicate, nil)
	case "sold_out":
		return apperror.SoldOut(models.MsgCouponSoldOut, nil)
	default:
		return fmt.Errorf("unexpected take result %v for coupon %d", res, couponID)
	}
}

// Release возвращает токен в пул после сбоя на стороне хранилища —
// компенсация успешного Take.
func (i *Inventory) Release(ctx context.Context, couponID, userID int64) error {
	invKey := inventoryKey(couponID)
	clmKey := claimantsKey(couponID)

	if err := i.client.client.SRem(ctx, clmKey, strconv.FormatInt(userID, 10)).Err(); err != nil {
		return fmt.Errorf("failed to remove claimant for coupon %d: %w", couponID, err)
	}
	if err := i.client.client.RPush(ctx, invKey, "0").Err(); err != nil {
		return fmt.Errorf("failed to return token for coupon %d: %w", couponID, err)
	}

	// RPush мог пересоздать список без TTL (пул был полностью разобран).
	invTTL, err := i.client.client.TTL(ctx, invKey).Result()
	if err == nil && invTTL < 0 {
		if clmTTL, err := i.client.client.TTL(ctx, clmKey).Result(); err == nil && clmTTL > 0 {
			_ = i.client.client.Expire(ctx, invKey, clmTTL).Err()
		}
	}

	i.log.WithFields(map[string]interface{}{
		"coupon_id": couponID,
		"user_id":   userID,
	}).Warn("Inventory token released after downstream failure")

	return nil
}

// Remaining возвращает текущий размер пула. Второе значение false
// означает, что запись отсутствует (истекла или не создавалась).
func (i *Inventory) Remaining(ctx context.Context, couponID int64) (int, bool, error) {
	invKey := inventoryKey(couponID)
	clmKey := claimantsKey(couponID)

	exists, err := i.client.client.Exists(ctx, invKey, clmKey).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to check inventory for coupon %d: %w", couponID, err)
	}
	if exists == 0 {
		return 0, false, nil
	}

	size, err := i.client.client.LLen(ctx, invKey).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get inventory size for coupon %d: %w", couponID, err)
	}
	return int(size), true, nil
}
