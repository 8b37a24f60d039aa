package wechat

import (
	"encoding/json"
	"fmt"
)

// EventTypeTransactionSuccess — единственный тип события, который сервис
// обрабатывает по существу. Остальные типы подтверждаются без действий.
const EventTypeTransactionSuccess = "TRANSACTION.SUCCESS"

// ResourceAlgorithmAEAD — ожидаемый алгоритм шифрования ресурса уведомления.
const ResourceAlgorithmAEAD = "AEAD_AES_256_GCM"

// NotificationResource содержит зашифрованные данные уведомления.
type NotificationResource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type"`
	Nonce          string `json:"nonce"`
}

// NotificationEnvelope описывает конверт асинхронного уведомления провайдера.
type NotificationEnvelope struct {
	ID           string               `json:"id"`
	CreateTime   string               `json:"create_time"`
	EventType    string               `json:"event_type"`
	ResourceType string               `json:"resource_type"`
	Summary      string               `json:"summary"`
	Resource     NotificationResource `json:"resource"`
}

// Trade states провайдера. Неизвестные значения обрабатываются как ошибка,
// а не как ожидание оплаты.
const (
	TradeStateSuccess    = "SUCCESS"
	TradeStateRefund     = "REFUND"
	TradeStateNotPay     = "NOTPAY"
	TradeStateClosed     = "CLOSED"
	TradeStateRevoked    = "REVOKED"
	TradeStateUserPaying = "USERPAYING"
	TradeStatePayError   = "PAYERROR"
)

// TransactionAmount описывает суммы транзакции в копейках.
type TransactionAmount struct {
	Total      int64  `json:"total"`
	PayerTotal int64  `json:"payer_total"`
	Currency   string `json:"currency"`
}

// TransactionPayer идентифицирует плательщика на стороне провайдера.
type TransactionPayer struct {
	OpenID string `json:"openid"`
}

// Transaction описывает состояние транзакции у провайдера. Та же структура
// приходит и в расшифрованном уведомлении, и в ответе на запрос статуса.
type Transaction struct {
	OutTradeNo     string            `json:"out_trade_no"`
	TransactionID  string            `json:"transaction_id"`
	TradeState     string            `json:"trade_state"`
	TradeStateDesc string            `json:"trade_state_desc"`
	Amount         TransactionAmount `json:"amount"`
	Payer          TransactionPayer  `json:"payer"`
}

// DecryptNotification расшифровывает ресурс уведомления и разбирает
// транзакцию. Ошибка аутентификации пробрасывается как ErrAuthentication.
func (v *Verifier) DecryptNotification(res NotificationResource) (*Transaction, error) {
	if res.Algorithm != ResourceAlgorithmAEAD {
		return nil, fmt.Errorf("unsupported resource algorithm %q", res.Algorithm)
	}

	plaintext, err := v.DecryptResource(res.Ciphertext, res.Nonce, res.AssociatedData)
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	return &tx, nil
}

// IsTerminalFailure сообщает, что оплата завершилась неуспешно и ожидать
// поступления средств по этому заказу больше не нужно.
func IsTerminalFailure(state string) bool {
	switch state {
	case TradeStateRefund, TradeStateClosed, TradeStateRevoked, TradeStatePayError:
		return true
	}
	return false
}

// IsPending сообщает, что оплата ещё не завершена и клиенту следует
// повторить опрос позже.
func IsPending(state string) bool {
	return state == TradeStateNotPay || state == TradeStateUserPaying
}

// IsKnownTradeState проверяет, что значение trade_state входит в
// перечисление протокола провайдера.
func IsKnownTradeState(state string) bool {
	return state == TradeStateSuccess || IsTerminalFailure(state) || IsPending(state)
}
