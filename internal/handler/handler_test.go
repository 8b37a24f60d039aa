package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/edupay-system/internal/middleware"
	"github.com/mmeshcher/edupay-system/internal/model"
	"github.com/mmeshcher/edupay-system/internal/repository"
	"github.com/mmeshcher/edupay-system/internal/service"
	"github.com/mmeshcher/edupay-system/internal/wechat"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	goodsResp []model.Good
	goodsErr  error

	membershipResp *model.Membership
	membershipErr  error

	purchaseResp *service.PurchaseResult
	purchaseErr  error

	statusResp *service.OrderStatusResult
	statusErr  error

	notifyErr  error
	notifyRaw  []byte
	notifyHits int
}

func (s *stubService) RegisterUser(ctx context.Context, login, password, openID string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) ListGoods(ctx context.Context) ([]model.Good, error) {
	return s.goodsResp, s.goodsErr
}

func (s *stubService) GetMembership(ctx context.Context, userID int64) (*model.Membership, error) {
	return s.membershipResp, s.membershipErr
}

func (s *stubService) CreatePurchase(ctx context.Context, userID int64, goodID string) (*service.PurchaseResult, error) {
	return s.purchaseResp, s.purchaseErr
}

func (s *stubService) CheckOrderStatus(ctx context.Context, userID int64, orderID string) (*service.OrderStatusResult, error) {
	return s.statusResp, s.statusErr
}

func (s *stubService) HandleNotification(ctx context.Context, raw []byte) error {
	s.notifyHits++
	s.notifyRaw = raw
	return s.notifyErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie set")
	}
	return cookies[0]
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "student",
		Password: "pass",
		OpenID:   "o6_bmjrPTlm6_Ya5d",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set")
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "student",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreatePurchase_ReturnsPrepayParams(t *testing.T) {
	svc := &stubService{
		purchaseResp: &service.PurchaseResult{
			OrderID: "9f86d081884c7d659a2feaa0c55ad015",
			Prepay: &wechat.PrepayResult{
				PrepayID: "wx29183527281",
				Package:  "prepay_id=wx29183527281",
				SignType: "RSA",
				PaySign:  "c2lnbmF0dXJl",
			},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(purchaseRequest{GoodID: "premium-30"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/orders", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var got service.PurchaseResult
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.OrderID != "9f86d081884c7d659a2feaa0c55ad015" {
		t.Fatalf("order_id = %s", got.OrderID)
	}
	if got.Prepay == nil || got.Prepay.Package != "prepay_id=wx29183527281" {
		t.Fatalf("unexpected prepay params: %+v", got.Prepay)
	}
}

func TestCreatePurchase_ProviderDown(t *testing.T) {
	svc := &stubService{
		purchaseErr: &wechat.ProviderError{StatusCode: 500, Code: "SYSTEM_ERROR"},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(purchaseRequest{GoodID: "premium-30"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/orders", bytes.NewReader(body))
	req.AddCookie(authCookie(t, h, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadGateway)
	}
}

func TestGetOrderStatus_PaymentNotSuccessful(t *testing.T) {
	svc := &stubService{
		statusErr: &service.PaymentNotSuccessfulError{State: wechat.TradeStateRefund},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders/9f86d081884c7d659a2feaa0c55ad015", nil)
	req.AddCookie(authCookie(t, h, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}

	var got orderStatusErrorResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.TradeState != wechat.TradeStateRefund {
		t.Fatalf("trade_state = %s, want REFUND", got.TradeState)
	}
}

func TestGetOrderStatus_NotFound(t *testing.T) {
	svc := &stubService{
		statusErr: repository.ErrOrderNotFound,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders/ffffffffffffffffffffffffffffffff", nil)
	req.AddCookie(authCookie(t, h, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestGetOrderStatus_InvalidTradeNo(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders/bad!", nil)
	req.AddCookie(authCookie(t, h, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestPaymentNotify_Success(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/wechat/notify",
		bytes.NewReader([]byte(`{"event_type":"TRANSACTION.SUCCESS"}`)))
	rec := httptest.NewRecorder()

	h.PaymentNotify(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got notifyResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Code != "SUCCESS" {
		t.Fatalf("code = %s, want SUCCESS", got.Code)
	}
	if svc.notifyHits != 1 {
		t.Fatalf("notify hits = %d, want 1", svc.notifyHits)
	}
}

func TestPaymentNotify_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "malformed", err: service.ErrMalformedNotification, wantStatus: http.StatusBadRequest},
		{name: "authentication", err: wechat.ErrAuthentication, wantStatus: http.StatusUnauthorized},
		{name: "order not found", err: repository.ErrOrderNotFound, wantStatus: http.StatusInternalServerError},
		{name: "storage failure", err: errors.New("connection refused"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{notifyErr: tt.err}
			h := newTestHandler(t, svc)

			req := httptest.NewRequest(http.MethodPost, "/api/payments/wechat/notify",
				bytes.NewReader([]byte(`{}`)))
			rec := httptest.NewRecorder()

			h.PaymentNotify(rec, req)

			res := rec.Result()
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}

			var got notifyResponse
			if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if got.Code != "FAIL" {
				t.Fatalf("code = %s, want FAIL", got.Code)
			}
		})
	}
}

func TestGetMembership_JSONResponse(t *testing.T) {
	svc := &stubService{
		membershipResp: &model.Membership{Member: true, DaysLeft: 12},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/membership", nil)
	req.AddCookie(authCookie(t, h, 1))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got model.Membership
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.Member || got.DaysLeft != 12 {
		t.Fatalf("unexpected membership: %+v", got)
	}
}

func TestListGoods(t *testing.T) {
	svc := &stubService{
		goodsResp: []model.Good{
			{ID: "premium-30", Name: "премиум", Price: 990, MemberDays: 30},
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/goods", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []goodResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Price != 9.9 || got[0].MemberDays != 30 {
		t.Fatalf("unexpected goods: %+v", got)
	}
}
