// Package service реализует бизнес-логику платёжного сервиса edupay:
// создание заказов, сверку оплат и начисление подписки.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/edupay-system/internal/model"
	"github.com/mmeshcher/edupay-system/internal/repository"
	"github.com/mmeshcher/edupay-system/internal/validation"
	"github.com/mmeshcher/edupay-system/internal/wechat"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, openID string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetGoodByID(ctx context.Context, id string) (*model.Good, error)
	ListGoods(ctx context.Context) ([]model.Good, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrderByID(ctx context.Context, id string) (*model.Order, error)
	TransitionOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error)
	CreditMemberDays(ctx context.Context, orderID string, userID int64, days int) (bool, error)
}

// PaymentProvider описывает вызовы платёжного провайдера, нужные сервису.
type PaymentProvider interface {
	CreatePrepayOrder(ctx context.Context, openID, outTradeNo, description string, amountTotal int64) (*wechat.PrepayResult, error)
	GetTransactionStatus(ctx context.Context, outTradeNo string) (*wechat.Transaction, error)
}

// NotificationDecryptor расшифровывает ресурс входящего уведомления.
type NotificationDecryptor interface {
	DecryptNotification(res wechat.NotificationResource) (*wechat.Transaction, error)
}

var (
	// ErrMalformedNotification возвращается при нарушении формата уведомления.
	// Повтор доставки с тем же содержимым бесполезен.
	ErrMalformedNotification = errors.New("malformed notification")
	// ErrProviderUnavailable возвращается, если платёжный провайдер не сконфигурирован.
	ErrProviderUnavailable = errors.New("payment provider not configured")
	// ErrNoOpenID возвращается при попытке покупки пользователем без платёжного идентификатора.
	ErrNoOpenID = errors.New("user has no payment identity")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// PaymentNotSuccessfulError означает, что оплата завершилась неуспешно
// (возврат, отмена, ошибка оплаты). Это бизнес-итог, а не сбой: повторять
// обработку этого заказа не нужно.
type PaymentNotSuccessfulError struct {
	State string
}

func (e *PaymentNotSuccessfulError) Error() string {
	return "payment not successful: " + e.State
}

// UnknownStateError означает, что провайдер вернул trade_state вне известного
// перечисления. Такое значение не считается ожиданием оплаты.
type UnknownStateError struct {
	State string
}

func (e *UnknownStateError) Error() string {
	return "unknown trade state: " + e.State
}

// Service содержит бизнес-логику платёжного сервиса edupay.
type Service struct {
	repo      Repository
	provider  PaymentProvider
	decryptor NotificationDecryptor
}

// NewService создаёт сервис. provider и decryptor могут быть nil, если
// провайдер не сконфигурирован: тогда платёжные операции возвращают
// ErrProviderUnavailable.
func NewService(repo Repository, provider PaymentProvider, decryptor NotificationDecryptor) *Service {
	return &Service{
		repo:      repo,
		provider:  provider,
		decryptor: decryptor,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password, openID string) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateUser(ctx, login, hashed, openID)
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// ListGoods возвращает товары каталога.
func (s *Service) ListGoods(ctx context.Context) ([]model.Good, error) {
	return s.repo.ListGoods(ctx)
}

// GetMembership возвращает сведения о подписке пользователя.
func (s *Service) GetMembership(ctx context.Context, userID int64) (*model.Membership, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	m := model.NewMembership(u.MemberDue, time.Now())
	return &m, nil
}

// PurchaseResult содержит созданный заказ и параметры оплаты для клиента.
type PurchaseResult struct {
	OrderID string               `json:"order_id"`
	Prepay  *wechat.PrepayResult `json:"prepay"`
}

// CreatePurchase создаёт заказ на покупку товара и регистрирует его у
// провайдера. Заказ переходит CREATED -> PREPAYED только после успешного
// ответа провайдера; при сбое провайдера заказ остаётся в CREATED и к
// оплате не предлагается.
func (s *Service) CreatePurchase(ctx context.Context, userID int64, goodID string) (*PurchaseResult, error) {
	if s.provider == nil {
		return nil, ErrProviderUnavailable
	}

	good, err := s.repo.GetGoodByID(ctx, goodID)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.OpenID == "" {
		return nil, ErrNoOpenID
	}

	order := &model.Order{
		ID:        newOrderID(),
		UserID:    user.ID,
		GoodID:    good.ID,
		PayAmount: good.Price,
		Status:    model.OrderStatusCreated,
		TradeID:   newTradeID(),
	}

	if !validation.IsValidTradeNo(order.ID) {
		return nil, fmt.Errorf("generated order id %q is not a valid trade number", order.ID)
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	prepay, err := s.provider.CreatePrepayOrder(ctx, user.OpenID, order.ID, good.Name, good.Price)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.TransitionOrderStatus(ctx, order.ID, model.OrderStatusCreated, model.OrderStatusPrepayed); err != nil {
		return nil, err
	}

	return &PurchaseResult{OrderID: order.ID, Prepay: prepay}, nil
}

// HandleNotification обрабатывает асинхронное уведомление провайдера об
// оплате. Возврат nil означает, что доставку можно подтвердить и провайдер
// не должен её повторять.
func (s *Service) HandleNotification(ctx context.Context, raw []byte) error {
	var env wechat.NotificationEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	if env.EventType == "" {
		return fmt.Errorf("%w: missing event_type", ErrMalformedNotification)
	}

	// Прочие типы событий подтверждаем без действий, иначе провайдер
	// будет доставлять их бесконечно.
	if env.EventType != wechat.EventTypeTransactionSuccess {
		return nil
	}

	if s.decryptor == nil {
		return ErrProviderUnavailable
	}

	tx, err := s.decryptor.DecryptNotification(env.Resource)
	if err != nil {
		if errors.Is(err, wechat.ErrAuthentication) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	if tx.OutTradeNo == "" {
		return fmt.Errorf("%w: missing out_trade_no", ErrMalformedNotification)
	}

	order, err := s.repo.GetOrderByID(ctx, tx.OutTradeNo)
	if err != nil {
		return err
	}

	// Повторная доставка по уже исполненному заказу — штатный no-op.
	if order.Status == model.OrderStatusDelivered {
		return nil
	}

	return s.settle(ctx, order)
}

// OrderStatusResult описывает итог опроса статуса заказа.
type OrderStatusResult struct {
	OrderID    string            `json:"order_id"`
	Status     model.OrderStatus `json:"status"`
	TradeState string            `json:"trade_state,omitempty"`
}

// CheckOrderStatus — путь опроса: клиент спрашивает статус заказа, сервис
// при необходимости сверяется с провайдером. Успешная оплата исполняется
// той же процедурой, что и вебхук, поэтому гонка опроса с вебхуком
// начисляет подписку не более одного раза.
func (s *Service) CheckOrderStatus(ctx context.Context, userID int64, orderID string) (*OrderStatusResult, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// Чужие заказы неотличимы от несуществующих.
	if order.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}

	if order.Status == model.OrderStatusDelivered {
		return &OrderStatusResult{OrderID: order.ID, Status: order.Status}, nil
	}

	if s.provider == nil {
		return nil, ErrProviderUnavailable
	}

	tx, err := s.provider.GetTransactionStatus(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case tx.TradeState == wechat.TradeStateSuccess:
		if err := s.settle(ctx, order); err != nil {
			return nil, err
		}
		return &OrderStatusResult{
			OrderID:    order.ID,
			Status:     model.OrderStatusDelivered,
			TradeState: tx.TradeState,
		}, nil

	case wechat.IsTerminalFailure(tx.TradeState):
		return nil, &PaymentNotSuccessfulError{State: tx.TradeState}

	case wechat.IsPending(tx.TradeState):
		return &OrderStatusResult{
			OrderID:    order.ID,
			Status:     order.Status,
			TradeState: tx.TradeState,
		}, nil

	default:
		return nil, &UnknownStateError{State: tx.TradeState}
	}
}

// settle исполняет подтверждённую оплату: захватывает заказ условным
// переходом в PAYED, начисляет подписку и финализирует заказ в DELIVERED.
//
// Переход в PAYED исключает параллельных конкурентов, а журнал начислений
// в хранилище делает повторное начисление невозможным даже при падении
// между захватом и финализацией: повторная попытка пройдёт по статусу
// PAYED и упрётся в уже существующую запись журнала.
func (s *Service) settle(ctx context.Context, order *model.Order) error {
	status := order.Status
	for status != model.OrderStatusPayed {
		claimed, err := s.repo.TransitionOrderStatus(ctx, order.ID, status, model.OrderStatusPayed)
		if err != nil {
			return err
		}
		if claimed {
			break
		}

		cur, err := s.repo.GetOrderByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if cur.Status == model.OrderStatusDelivered {
			return nil
		}
		if cur.Status == status {
			// Статус не менялся, а переход не прошёл — отдаём заказ
			// конкурирующему вызову.
			return nil
		}
		status = cur.Status
	}

	good, err := s.repo.GetGoodByID(ctx, order.GoodID)
	if err != nil {
		return err
	}

	user, err := s.repo.GetUserByID(ctx, order.UserID)
	if err != nil {
		return err
	}

	if _, err := s.repo.CreditMemberDays(ctx, order.ID, user.ID, good.MemberDays); err != nil {
		return err
	}

	if _, err := s.repo.TransitionOrderStatus(ctx, order.ID, model.OrderStatusPayed, model.OrderStatusDelivered); err != nil {
		return err
	}

	return nil
}

// newOrderID генерирует идентификатор заказа: 32 hex-символа, пригодные
// для передачи провайдеру как out_trade_no.
func newOrderID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// newTradeID генерирует вторичный справочный номер: метка времени и
// случайный суффикс.
func newTradeID() string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return time.Now().Format("20060102150405") + hex.EncodeToString(suffix)
}
