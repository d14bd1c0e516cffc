package services

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"coupon-system/internal/apperror"
	"coupon-system/internal/config"
	"coupon-system/internal/database"
	"coupon-system/internal/logger"
	"coupon-system/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newTestLogger() *logger.Logger {
	return logger.New(&config.LoggerConfig{Level: "debug", Format: "json"})
}

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	return &database.DB{DB: db}, mock
}

// stubCache хранит значения в памяти.
type stubCache struct {
	data    map[string]interface{}
	deleted []string
	setErr  error
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]interface{})}
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *stubCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, ok := c.data[key]
	if !ok {
		return fmt.Errorf("key %s not found", key)
	}
	if coupon, ok := val.(*models.Coupon); ok {
		if target, ok := dest.(*models.Coupon); ok {
			*target = *coupon
			return nil
		}
	}
	return fmt.Errorf("unexpected cached type for key %s", key)
}

func (c *stubCache) Delete(ctx context.Context, key string) error {
	delete(c.data, key)
	c.deleted = append(c.deleted, key)
	return nil
}

// stubSeeder записывает вызовы инициализации пула.
type stubSeeder struct {
	calls []int64
	err   error
}

func (s *stubSeeder) Initialize(ctx context.Context, couponID int64, limitCount int, expirationAt time.Time) error {
	s.calls = append(s.calls, couponID)
	return s.err
}

// stubLock выполняет body без реальной блокировки.
type stubLock struct {
	keys []string
	err  error
}

func (l *stubLock) WithLock(ctx context.Context, key string, waitTime, leaseTime time.Duration, body func(ctx context.Context) error) error {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return l.err
	}
	return body(ctx)
}

func newTestCouponService(db *database.DB, cache couponCache, seeder inventorySeeder, lock distributedLock) *CouponService {
	return NewCouponService(db, cache, seeder, lock, newTestLogger(),
		&config.CacheConfig{CouponTTLMinutes: 10},
		&config.LockConfig{WaitSeconds: 2, LeaseSeconds: 3},
	)
}

func TestCouponService_CreateCoupon_Success(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	seeder := &stubSeeder{}
	lock := &stubLock{}
	service := newTestCouponService(db, newStubCache(), seeder, lock)

	mock.ExpectQuery("INSERT INTO coupons").
		WithArgs("선착순 쿠폰", 10, 5000, models.CouponStatusActive,
			sqlmock.AnyArg(), 100, 0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	coupon, err := service.CreateCoupon(context.Background(), &models.CreateCouponRequest{
		Name:              "선착순 쿠폰",
		DiscountRate:      10,
		MaxDiscountAmount: 5000,
		ExpirationDays:    7,
		LimitCount:        100,
	})
	if err != nil {
		t.Fatalf("create coupon failed: %v", err)
	}
	if coupon.ID != 7 {
		t.Fatalf("expected id 7, got %d", coupon.ID)
	}
	if len(seeder.calls) != 1 || seeder.calls[0] != 7 {
		t.Fatalf("expected inventory initialized for coupon 7, got %v", seeder.calls)
	}
	if len(lock.keys) != 1 || lock.keys[0] != "coupon:create:선착순 쿠폰" {
		t.Fatalf("unexpected lock keys: %v", lock.keys)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCouponService_CreateCoupon_Validation(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	cases := []struct {
		name string
		req  models.CreateCouponRequest
	}{
		{"empty name", models.CreateCouponRequest{Name: " ", DiscountRate: 10, ExpirationDays: 7, LimitCount: 10}},
		{"zero expiration days", models.CreateCouponRequest{Name: "쿠폰", DiscountRate: 10, ExpirationDays: 0, LimitCount: 10}},
		{"bad discount rate", models.CreateCouponRequest{Name: "쿠폰", DiscountRate: 90, ExpirationDays: 7, LimitCount: 10}},
		{"zero limit", models.CreateCouponRequest{Name: "쿠폰", DiscountRate: 10, ExpirationDays: 7, LimitCount: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			if _, err := service.CreateCoupon(context.Background(), &req); !apperror.Is(err, apperror.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCouponService_CreateCoupon_LockBusy(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	lock := &stubLock{err: apperror.Unavailable("요청이 몰려 처리할 수 없습니다. 잠시 후 다시 시도해주세요", nil)}
	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, lock)

	_, err := service.CreateCoupon(context.Background(), &models.CreateCouponRequest{
		Name: "쿠폰", DiscountRate: 10, ExpirationDays: 7, LimitCount: 10,
	})
	if !apperror.Is(err, apperror.KindUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func couponRows(c *models.Coupon) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "discount_rate", "max_discount_amount", "status", "expiration_at", "limit_count", "issued_count", "created_at"}).
		AddRow(c.ID, c.Name, c.DiscountRate, c.MaxDiscountAmount, c.Status, c.ExpirationAt, c.LimitCount, c.IssuedCount, c.CreatedAt)
}

func TestCouponService_GetCoupon_CacheMissThenHit(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	cache := newStubCache()
	service := newTestCouponService(db, cache, &stubSeeder{}, &stubLock{})

	stored := &models.Coupon{
		ID: 1, Name: "쿠폰", DiscountRate: 10, MaxDiscountAmount: 5000,
		Status: models.CouponStatusActive, ExpirationAt: time.Now().Add(time.Hour),
		LimitCount: 100, IssuedCount: 5, CreatedAt: time.Now(),
	}

	// Первый вызов идёт в базу, второй обслуживается кешем.
	mock.ExpectQuery("SELECT id, name, discount_rate").
		WithArgs(int64(1)).
		WillReturnRows(couponRows(stored))

	first, err := service.GetCoupon(context.Background(), 1)
	if err != nil {
		t.Fatalf("get coupon failed: %v", err)
	}
	if first.ID != 1 || first.IssuedCount != 5 {
		t.Fatalf("unexpected coupon: %+v", first)
	}

	second, err := service.GetCoupon(context.Background(), 1)
	if err != nil {
		t.Fatalf("cached get failed: %v", err)
	}
	if second.ID != 1 {
		t.Fatalf("unexpected cached coupon: %+v", second)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCouponService_GetCoupon_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	mock.ExpectQuery("SELECT id, name, discount_rate").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := service.GetCoupon(context.Background(), 404)
	if !apperror.Is(err, apperror.KindNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err.Error() != models.MsgCouponNotFound {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestCouponService_UpdateLimitCount(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	cache := newStubCache()
	service := newTestCouponService(db, cache, &stubSeeder{}, &stubLock{})

	mock.ExpectExec("UPDATE coupons SET limit_count").
		WithArgs(95, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := service.UpdateLimitCount(context.Background(), 1, 95); err != nil {
		t.Fatalf("update limit failed: %v", err)
	}
	if len(cache.deleted) != 1 {
		t.Fatalf("expected cache invalidated, got %v", cache.deleted)
	}

	mock.ExpectExec("UPDATE coupons SET limit_count").
		WithArgs(95, int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := service.UpdateLimitCount(context.Background(), 404, 95); !apperror.Is(err, apperror.KindNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCouponService_ListActiveCoupons(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	rows := sqlmock.NewRows([]string{"id", "name", "discount_rate", "max_discount_amount", "status", "expiration_at", "limit_count", "issued_count", "created_at"}).
		AddRow(int64(1), "쿠폰 A", 10, 5000, models.CouponStatusActive, time.Now().Add(time.Hour), 100, 5, time.Now()).
		AddRow(int64(2), "쿠폰 B", 20, 3000, models.CouponStatusActive, time.Now().Add(time.Hour), 50, 50, time.Now())

	mock.ExpectQuery("SELECT id, name, discount_rate").
		WithArgs(models.CouponStatusActive).
		WillReturnRows(rows)

	coupons, err := service.ListActiveCoupons(context.Background())
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(coupons) != 2 {
		t.Fatalf("expected 2 coupons, got %d", len(coupons))
	}
}

func TestCouponService_ListUserCoupons(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	rows := sqlmock.NewRows([]string{"id", "user_id", "coupon_id", "status", "issued_at", "used_at"}).
		AddRow(uuid.New(), int64(100), int64(1), models.UserCouponStatusIssued, time.Now(), nil)

	mock.ExpectQuery("SELECT id, user_id, coupon_id, status, issued_at, used_at").
		WithArgs(int64(100)).
		WillReturnRows(rows)

	coupons, err := service.ListUserCoupons(context.Background(), 100)
	if err != nil {
		t.Fatalf("list user coupons failed: %v", err)
	}
	if len(coupons) != 1 || coupons[0].UserID != 100 {
		t.Fatalf("unexpected result: %+v", coupons)
	}
}

func TestCouponService_UseCoupon(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "user_id", "coupon_id", "status", "issued_at", "used_at"}).
		AddRow(id, int64(100), int64(1), models.UserCouponStatusIssued, time.Now(), nil)

	mock.ExpectQuery("SELECT id, user_id, coupon_id, status, issued_at, used_at").
		WithArgs(id).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE user_coupons SET status").
		WithArgs(models.UserCouponStatusUsed, sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	used, err := service.UseCoupon(context.Background(), id)
	if err != nil {
		t.Fatalf("use coupon failed: %v", err)
	}
	if used.Status != models.UserCouponStatusUsed || used.UsedAt == nil {
		t.Fatalf("unexpected state: %+v", used)
	}
}

func TestCouponService_UseCoupon_AlreadyUsed(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	id := uuid.New()
	usedAt := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "coupon_id", "status", "issued_at", "used_at"}).
		AddRow(id, int64(100), int64(1), models.UserCouponStatusUsed, time.Now(), usedAt)

	mock.ExpectQuery("SELECT id, user_id, coupon_id, status, issued_at, used_at").
		WithArgs(id).
		WillReturnRows(rows)

	if _, err := service.UseCoupon(context.Background(), id); !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCouponService_RefundCoupon(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	service := newTestCouponService(db, newStubCache(), &stubSeeder{}, &stubLock{})

	id := uuid.New()
	usedAt := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "coupon_id", "status", "issued_at", "used_at"}).
		AddRow(id, int64(100), int64(1), models.UserCouponStatusUsed, time.Now(), usedAt)

	mock.ExpectQuery("SELECT id, user_id, coupon_id, status, issued_at, used_at").
		WithArgs(id).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE user_coupons SET status").
		WithArgs(models.UserCouponStatusIssued, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	refunded, err := service.RefundCoupon(context.Background(), id)
	if err != nil {
		t.Fatalf("refund coupon failed: %v", err)
	}
	if refunded.Status != models.UserCouponStatusIssued || refunded.UsedAt != nil {
		t.Fatalf("unexpected state: %+v", refunded)
	}
}
