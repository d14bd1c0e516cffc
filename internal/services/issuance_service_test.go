package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"coupon-system/internal/apperror"
	"coupon-system/internal/config"
	"coupon-system/internal/models"
	"coupon-system/internal/redis"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
)

// stubInventory программируемое хранилище остатков.
type stubInventory struct {
	takeErr    error
	releaseErr error
	taken      []int64
	released   []int64
}

func (s *stubInventory) Take(ctx context.Context, couponID, userID int64) error {
	if s.takeErr != nil {
		return s.takeErr
	}
	s.taken = append(s.taken, userID)
	return nil
}

func (s *stubInventory) Release(ctx context.Context, couponID, userID int64) error {
	if s.releaseErr != nil {
		return s.releaseErr
	}
	s.released = append(s.released, userID)
	return nil
}

// stubPublisher записывает опубликованные события.
type stubPublisher struct {
	requested  []models.CouponIssueMessage
	issued     []models.CouponIssuedMessage
	requestErr error
	issuedErr  error
}

func (s *stubPublisher) PublishCouponIssueRequested(couponID, userID int64) error {
	if s.requestErr != nil {
		return s.requestErr
	}
	s.requested = append(s.requested, models.CouponIssueMessage{CouponID: couponID, UserID: userID})
	return nil
}

func (s *stubPublisher) PublishCouponIssued(msg models.CouponIssuedMessage) error {
	if s.issuedErr != nil {
		return s.issuedErr
	}
	s.issued = append(s.issued, msg)
	return nil
}

// stubInvalidator записывает сброшенные купоны.
type stubInvalidator struct {
	invalidated []int64
}

func (s *stubInvalidator) InvalidateCouponCache(ctx context.Context, couponID int64) {
	s.invalidated = append(s.invalidated, couponID)
}

func expectPersistIssue(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_coupons").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE coupons").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestIssuanceService_Issue_Success(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	inv := &stubInventory{}
	pub := &stubPublisher{}
	cache := &stubInvalidator{}
	service := NewIssuanceService(db, inv, pub, cache, newTestLogger())

	expectPersistIssue(mock)

	userCoupon, err := service.Issue(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if userCoupon.Status != models.UserCouponStatusIssued {
		t.Fatalf("expected ISSUED status, got %s", userCoupon.Status)
	}
	if len(inv.taken) != 1 || len(inv.released) != 0 {
		t.Fatalf("unexpected inventory calls: taken=%v released=%v", inv.taken, inv.released)
	}
	if len(pub.issued) != 1 || pub.issued[0].UserCouponID != userCoupon.ID {
		t.Fatalf("expected issued event published, got %v", pub.issued)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != 1 {
		t.Fatalf("expected cache invalidated for coupon 1, got %v", cache.invalidated)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIssuanceService_Issue_SoldOut(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	inv := &stubInventory{takeErr: apperror.SoldOut(models.MsgCouponSoldOut, nil)}
	service := NewIssuanceService(db, inv, &stubPublisher{}, &stubInvalidator{}, newTestLogger())

	_, err := service.Issue(context.Background(), 1, 100)
	if !apperror.Is(err, apperror.KindSoldOut) {
		t.Fatalf("expected sold out error, got %v", err)
	}
	if err.Error() != models.MsgCouponSoldOut {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestIssuanceService_Issue_PersistFailureReleasesToken(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	inv := &stubInventory{}
	pub := &stubPublisher{}
	service := NewIssuanceService(db, inv, pub, &stubInvalidator{}, newTestLogger())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_coupons").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := service.Issue(context.Background(), 1, 100)
	if err == nil {
		t.Fatalf("expected error")
	}
	// Токен возвращён компенсацией, событие не публиковалось.
	if len(inv.released) != 1 || inv.released[0] != 100 {
		t.Fatalf("expected token released for user 100, got %v", inv.released)
	}
	if len(pub.issued) != 0 {
		t.Fatalf("expected no issued event, got %v", pub.issued)
	}
}

func TestIssuanceService_Issue_DuplicateConstraint(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	inv := &stubInventory{}
	service := NewIssuanceService(db, inv, &stubPublisher{}, &stubInvalidator{}, newTestLogger())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_coupons").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := service.Issue(context.Background(), 1, 100)
	if !apperror.Is(err, apperror.KindDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err.Error() != models.MsgCouponDuplicate {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if len(inv.released) != 1 {
		t.Fatalf("expected token released, got %v", inv.released)
	}
}

func TestIssuanceService_IssueAsync(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	pub := &stubPublisher{}
	service := NewIssuanceService(db, &stubInventory{}, pub, &stubInvalidator{}, newTestLogger())

	if err := service.IssueAsync(context.Background(), 1, 100); err != nil {
		t.Fatalf("issue async failed: %v", err)
	}
	if len(pub.requested) != 1 || pub.requested[0].UserID != 100 {
		t.Fatalf("expected issue request published, got %v", pub.requested)
	}
}

func TestIssuanceService_IssueAsync_PublishError(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	pub := &stubPublisher{requestErr: errors.New("kafka down")}
	service := NewIssuanceService(db, &stubInventory{}, pub, &stubInvalidator{}, newTestLogger())

	if err := service.IssueAsync(context.Background(), 1, 100); err == nil {
		t.Fatalf("expected publish error")
	}
}

// Компенсация с реальным хранилищем остатков: после сбоя записи в базу
// остаток пула восстанавливается и пользователь может попытаться снова.
func TestIssuanceService_Issue_CompensationRestoresInventory(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mr := miniredis.RunT(t)
	log := newTestLogger()
	client, err := redis.Connect(&config.RedisConfig{Host: "127.0.0.1", Port: mr.Port()}, log)
	if err != nil {
		t.Fatalf("redis connect failed: %v", err)
	}
	defer client.Close()

	inv := redis.NewInventory(client, log)
	ctx := context.Background()
	if err := inv.Initialize(ctx, 1, 3, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	service := NewIssuanceService(db, inv, &stubPublisher{}, &stubInvalidator{}, log)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_coupons").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := service.Issue(ctx, 1, 100); err == nil {
		t.Fatalf("expected error")
	}

	remaining, ok, err := inv.Remaining(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("remaining failed: ok=%v err=%v", ok, err)
	}
	if remaining != 3 {
		t.Fatalf("expected inventory restored to 3, got %d", remaining)
	}

	// Повторная попытка того же пользователя проходит.
	expectPersistIssue(mock)
	if _, err := service.Issue(ctx, 1, 100); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}
