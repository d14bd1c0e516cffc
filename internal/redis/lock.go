package redis

import (
	"context"
	"time"

	"coupon-system/internal/apperror"
	"coupon-system/internal/logger"

	"github.com/google/uuid"
)

// Lock реализует распределённую блокировку поверх Redis:
// SET NX с арендой, опрос до истечения времени ожидания и
// освобождение только владельцем.
type Lock struct {
	client *Client
	log    *logger.Logger
}

const (
	lockKeyPrefix     = "LOCK:"
	lockRetryInterval = 50 * time.Millisecond
)

// MsgLockTimeout — сообщение при невозможности захватить блокировку.
const MsgLockTimeout = "요청이 몰려 처리할 수 없습니다. 잠시 후 다시 시도해주세요"

// releaseScript удаляет ключ блокировки, только если он всё ещё
// принадлежит вызывающему. После истечения аренды ключ мог быть
// захвачен другим процессом.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// NewLock создаёт распределённую блокировку.
func NewLock(client *Client, log *logger.Logger) *Lock {
	return &Lock{client: client, log: log}
}

// WithLock выполняет body под блокировкой с именем key.
// Захват ограничен waitTime, аренда — leaseTime: по её истечении
// блокировка принудительно снимается, поэтому body должен завершаться
// заметно раньше leaseTime. Освобождение гарантируется и при ошибке body.
// Вложенные вызовы с тем же ключом не поддерживаются.
func (l *Lock) WithLock(ctx context.Context, key string, waitTime, leaseTime time.Duration, body func(ctx context.Context) error) error {
	lockKey := lockKeyPrefix + key
	token := uuid.NewString()

	acquired, err := l.acquire(ctx, lockKey, token, waitTime, leaseTime)
	if err != nil {
		return err
	}
	if !acquired {
		return apperror.Unavailable(MsgLockTimeout, nil)
	}

	defer func() {
		released, err := l.client.client.Eval(ctx, releaseScript, []string{lockKey}, token).Result()
		if err != nil {
			l.log.WithError(err).WithField("key", lockKey).Warn("Failed to release lock")
			return
		}
		if released == int64(0) {
			// Аренда истекла до завершения body: эксклюзивность уже не гарантировалась.
			l.log.WithField("key", lockKey).Warn("Lock lease expired before release")
		}
	}()

	return body(ctx)
}

func (l *Lock) acquire(ctx context.Context, lockKey, token string, waitTime, leaseTime time.Duration) (bool, error) {
	deadline := time.Now().Add(waitTime)
	for {
		ok, err := l.client.client.SetNX(ctx, lockKey, token, leaseTime).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
