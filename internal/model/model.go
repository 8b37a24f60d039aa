// Package model содержит доменные сущности платёжного сервиса edupay.
package model

import "time"

// User представляет зарегистрированного пользователя обучающей платформы.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	OpenID       string
	MemberDue    *time.Time
	CreatedAt    time.Time
}

// OrderStatus описывает состояние платёжного заказа.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusPrepayed  OrderStatus = "PREPAYED"
	OrderStatusPayed     OrderStatus = "PAYED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
)

// Order описывает заказ на покупку товара через платёжного провайдера.
// ID заказа передаётся провайдеру как out_trade_no. Сумма хранится в копейках.
type Order struct {
	ID        string
	UserID    int64
	GoodID    string
	PayAmount int64
	Status    OrderStatus
	TradeID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Good описывает покупаемый товар каталога: цена в копейках и размер подписки в днях.
type Good struct {
	ID          string
	Name        string
	Description string
	Price       int64
	MemberDays  int
}

// Membership содержит сведения о текущей подписке пользователя.
type Membership struct {
	Member    bool       `json:"member"`
	MemberDue *time.Time `json:"member_due,omitempty"`
	DaysLeft  int        `json:"days_left"`
}

// NewMembership строит представление подписки на момент времени now.
func NewMembership(memberDue *time.Time, now time.Time) Membership {
	m := Membership{MemberDue: memberDue}
	if memberDue == nil || !now.Before(*memberDue) {
		return m
	}
	m.Member = true
	m.DaysLeft = int(memberDue.Sub(now).Hours() / 24)
	return m
}

// ExtendMembership вычисляет новый срок подписки при начислении days дней.
// Активная подписка продлевается от текущего срока, истёкшая — от now.
func ExtendMembership(memberDue *time.Time, now time.Time, days int) time.Time {
	base := now
	if memberDue != nil && memberDue.After(now) {
		base = *memberDue
	}
	return base.AddDate(0, 0, days)
}
