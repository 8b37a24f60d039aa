// Package handler содержит HTTP-обработчики API сервиса edupay.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/edupay-system/internal/middleware"
	"github.com/mmeshcher/edupay-system/internal/model"
	"github.com/mmeshcher/edupay-system/internal/repository"
	"github.com/mmeshcher/edupay-system/internal/service"
	"github.com/mmeshcher/edupay-system/internal/validation"
	"github.com/mmeshcher/edupay-system/internal/wechat"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password, openID string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	ListGoods(ctx context.Context) ([]model.Good, error)
	GetMembership(ctx context.Context, userID int64) (*model.Membership, error)
	CreatePurchase(ctx context.Context, userID int64, goodID string) (*service.PurchaseResult, error)
	CheckOrderStatus(ctx context.Context, userID int64, orderID string) (*service.OrderStatusResult, error)
	HandleNotification(ctx context.Context, raw []byte) error
}

// Handler реализует HTTP-обработчики API сервиса edupay.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	OpenID   string `json:"openid,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.OpenID)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type goodResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	MemberDays  int     `json:"member_days"`
}

// ListGoods возвращает каталог товаров.
func (h *Handler) ListGoods(w http.ResponseWriter, r *http.Request) {
	goods, err := h.service.ListGoods(r.Context())
	if err != nil {
		h.logger.Error("list goods error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]goodResponse, 0, len(goods))
	for _, g := range goods {
		resp = append(resp, goodResponse{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
			Price:       float64(g.Price) / 100,
			MemberDays:  g.MemberDays,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type purchaseRequest struct {
	GoodID string `json:"good_id"`
}

// CreatePurchase создаёт заказ на покупку и возвращает параметры оплаты
// для клиентского SDK.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.GoodID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.CreatePurchase(r.Context(), userID, req.GoodID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrGoodNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNoOpenID):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrProviderUnavailable):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		case isProviderError(err):
			h.logger.Error("prepay order error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("create purchase error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type orderStatusErrorResponse struct {
	Error      string `json:"error"`
	TradeState string `json:"trade_state,omitempty"`
}

// GetOrderStatus возвращает статус заказа, при необходимости сверяясь с
// провайдером.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if !validation.IsValidTradeNo(orderID) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	res, err := h.service.CheckOrderStatus(r.Context(), userID, orderID)
	if err != nil {
		var notSuccessful *service.PaymentNotSuccessfulError
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.As(err, &notSuccessful):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(orderStatusErrorResponse{
				Error:      "payment not successful",
				TradeState: notSuccessful.State,
			})
		case errors.Is(err, service.ErrProviderUnavailable):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		case isProviderError(err), isUnknownStateError(err):
			h.logger.Error("order status query error", zap.Error(err), zap.String("order", orderID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("check order status error", zap.Error(err), zap.String("order", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetMembership возвращает сведения о подписке текущего пользователя.
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	m, err := h.service.GetMembership(r.Context(), userID)
	if err != nil {
		h.logger.Error("get membership error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type notifyResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

const maxNotificationSize = 1 << 20

// PaymentNotify принимает асинхронное уведомление платёжного провайдера.
// Ответ 200 останавливает повторные доставки; ошибки формата и подлинности
// получают 4xx (повтор бесполезен), остальное — 5xx, чтобы провайдер
// повторил доставку по своему расписанию.
func (h *Handler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationSize))
	if err != nil {
		h.writeNotifyResponse(w, http.StatusBadRequest, "FAIL", "read body")
		return
	}

	err = h.service.HandleNotification(r.Context(), raw)
	if err == nil {
		h.writeNotifyResponse(w, http.StatusOK, "SUCCESS", "")
		return
	}

	switch {
	case errors.Is(err, wechat.ErrAuthentication):
		// Возможная подмена данных, фиксируем в журнале.
		h.logger.Warn("notification authentication failed", zap.Error(err))
		h.writeNotifyResponse(w, http.StatusUnauthorized, "FAIL", "authentication failed")
	case errors.Is(err, service.ErrMalformedNotification):
		h.logger.Warn("malformed notification", zap.Error(err))
		h.writeNotifyResponse(w, http.StatusBadRequest, "FAIL", "malformed notification")
	default:
		h.logger.Error("process notification error", zap.Error(err))
		h.writeNotifyResponse(w, http.StatusInternalServerError, "FAIL", "processing error")
	}
}

func (h *Handler) writeNotifyResponse(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(notifyResponse{Code: code, Message: message})
}

func isProviderError(err error) bool {
	var provErr *wechat.ProviderError
	return errors.As(err, &provErr)
}

func isUnknownStateError(err error) bool {
	var unknown *service.UnknownStateError
	return errors.As(err, &unknown)
}
