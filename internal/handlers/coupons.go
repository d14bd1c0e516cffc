package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"coupon-system/internal/logger"
	"coupon-system/internal/models"

	"github.com/google/uuid"
)

// CouponHandler обрабатывает запросы по купонам.
type CouponHandler struct {
	coupons  CouponService
	issuance IssuanceService
	log      *logger.Logger
}

// NewCouponHandler создаёт новый обработчик купонов.
func NewCouponHandler(coupons CouponService, issuance IssuanceService, log *logger.Logger) *CouponHandler {
	return &CouponHandler{
		coupons:  coupons,
		issuance: issuance,
		log:      log,
	}
}

// CreateCoupon создаёт купон и заполняет пул токенов.
func (h *CouponHandler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	coupon, err := h.coupons.CreateCoupon(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create coupon")
		return
	}

	writeJSONResponse(w, http.StatusCreated, coupon)
}

// GetCoupon возвращает купон по couponId из query.
func (h *CouponHandler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	couponID, err := parseCouponIDQuery(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	coupon, err := h.coupons.GetCoupon(r.Context(), couponID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get coupon")
		return
	}

	writeJSONResponse(w, http.StatusOK, coupon)
}

// IssueCoupon выдаёт купон синхронно.
func (h *CouponHandler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID, err := extractUserIDFromPath(r.URL.Path, "/coupons/")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	couponID, err := parseCouponIDQuery(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	userCoupon, err := h.issuance.Issue(r.Context(), couponID, userID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to issue coupon")
		return
	}

	writeJSONResponse(w, http.StatusCreated, userCoupon)
}

// IssueCouponAsync принимает запрос на выдачу в очередь.
// Результат выдачи наблюдается через список купонов пользователя.
func (h *CouponHandler) IssueCouponAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID, err := extractUserIDFromPath(r.URL.Path, "/coupons/")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	couponID, err := parseCouponIDQuery(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.issuance.IssueAsync(r.Context(), couponID, userID); err != nil {
		writeServiceError(w, h.log, err, "Failed to enqueue issue request")
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListUserCoupons возвращает купоны пользователя.
func (h *CouponHandler) ListUserCoupons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID, err := extractUserIDFromPath(r.URL.Path, "/coupons/")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	coupons, err := h.coupons.ListUserCoupons(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list user coupons")
		return
	}

	writeJSONResponse(w, http.StatusOK, coupons)
}

// UseCoupon отмечает купон пользователя использованным.
func (h *CouponHandler) UseCoupon(w http.ResponseWriter, r *http.Request) {
	h.transitionUserCoupon(w, r, h.coupons.UseCoupon, "Failed to use coupon")
}

// RefundCoupon возвращает использованный купон в статус ISSUED.
func (h *CouponHandler) RefundCoupon(w http.ResponseWriter, r *http.Request) {
	h.transitionUserCoupon(w, r, h.coupons.RefundCoupon, "Failed to refund coupon")
}

func (h *CouponHandler) transitionUserCoupon(w http.ResponseWriter, r *http.Request, transition func(context.Context, uuid.UUID) (*models.UserCoupon, error), internalMessage string) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.UseCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserCouponID == uuid.Nil {
		writeErrorResponse(w, http.StatusBadRequest, "user_coupon_id is required")
		return
	}

	userCoupon, err := transition(r.Context(), req.UserCouponID)
	if err != nil {
		writeServiceError(w, h.log, err, internalMessage)
		return
	}

	writeJSONResponse(w, http.StatusOK, userCoupon)
}
