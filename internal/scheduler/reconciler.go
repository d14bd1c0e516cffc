package scheduler

import (
	"context"
	"sync"
	"time"

	"coupon-system/internal/logger"
	"coupon-system/internal/models"
)

// couponStore — операции над долговечными записями купонов.
type couponStore interface {
	ListActiveCoupons(ctx context.Context) ([]*models.Coupon, error)
	UpdateLimitCount(ctx context.Context, couponID int64, limitCount int) error
}

// inventoryReader читает наблюдаемый остаток пула.
type inventoryReader interface {
	Remaining(ctx context.Context, couponID int64) (int, bool, error)
}

// Reconciler периодически сверяет остаток пула в Redis со счётчиками
// в базе и корректирует limit_count при расхождении. Это механизм
// исправления дрейфа: множество получателей и записи user_coupons
// он не трогает, а слегка устаревший остаток допустим — следующий
// запуск продолжит сходиться к наблюдаемому значению.
type Reconciler struct {
	coupons   couponStore
	inventory inventoryReader
	log       *logger.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReconciler создаёт планировщик сверки.
func NewReconciler(coupons couponStore, inventory inventoryReader, log *logger.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{
		coupons:   coupons,
		inventory: inventory,
		log:       log,
		interval:  interval,
	}
}

// Start запускает периодическую сверку в отдельной горутине.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					r.log.WithError(err).Error("Coupon reconciliation failed")
				}
			}
		}
	}()

	r.log.WithField("interval", r.interval.String()).Info("Reconciliation scheduler started")
}

// Stop останавливает планировщик и дожидается завершения цикла.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RunOnce выполняет один проход сверки по всем активным купонам.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	coupons, err := r.coupons.ListActiveCoupons(ctx)
	if err != nil {
		return err
	}

	for _, coupon := range coupons {
		remaining, ok, err := r.inventory.Remaining(ctx, coupon.ID)
		if err != nil {
			r.log.WithError(err).WithField("coupon_id", coupon.ID).Warn("Failed to read inventory remaining")
			continue
		}
		if !ok {
			// Запись истекла: источника для сверки больше нет.
			continue
		}

		expected := coupon.LimitCount - coupon.IssuedCount
		if remaining == expected {
			continue
		}

		corrected := coupon.IssuedCount + remaining
		drift := expected - remaining
		if drift < 0 {
			drift = -drift
		}
		if drift*10 > coupon.LimitCount {
			// Большое расхождение больше похоже на ошибку конфигурации,
			// чем на обычный дрейф счётчиков.
			r.log.WithFields(map[string]interface{}{
				"coupon_id":   coupon.ID,
				"limit_count": coupon.LimitCount,
				"remaining":   remaining,
				"drift":       drift,
			}).Warn("Large inventory drift detected")
		}

		if err := r.coupons.UpdateLimitCount(ctx, coupon.ID, corrected); err != nil {
			r.log.WithError(err).WithField("coupon_id", coupon.ID).Error("Failed to correct coupon limit")
			continue
		}

		r.log.WithFields(map[string]interface{}{
			"coupon_id":    coupon.ID,
			"issued_count": coupon.IssuedCount,
			"remaining":    remaining,
			"old_limit":    coupon.LimitCount,
			"new_limit":    corrected,
		}).Info("Coupon limit reconciled")
	}

	return nil
}
