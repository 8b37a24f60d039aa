// Package validation содержит функции валидации входных данных.
package validation

// Провайдер принимает out_trade_no длиной от 6 до 32 символов
// из набора цифр, латинских букв, '_' и '-'.
const (
	minTradeNoLen = 6
	maxTradeNoLen = 32
)

// IsValidTradeNo проверяет корректность номера заказа для передачи провайдеру.
func IsValidTradeNo(number string) bool {
	if len(number) < minTradeNoLen || len(number) > maxTradeNoLen {
		return false
	}

	for i := 0; i < len(number); i++ {
		ch := number[i]
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch == '_' || ch == '-':
		default:
			return false
		}
	}

	return true
}
