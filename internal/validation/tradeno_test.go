package validation

import "testing"

func TestIsValidTradeNo(t *testing.T) {
	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{name: "valid hex id", number: "9f86d081884c7d659a2feaa0c55ad015", want: true},
		{name: "valid with dash and underscore", number: "order_2025-0001", want: true},
		{name: "empty", number: "", want: false},
		{name: "too short", number: "abc12", want: false},
		{name: "too long", number: "a123456789012345678901234567890123", want: false},
		{name: "space", number: "order 123", want: false},
		{name: "non-ascii", number: "заказ12345", want: false},
		{name: "punctuation", number: "order#12345", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTradeNo(tt.number); got != tt.want {
				t.Fatalf("IsValidTradeNo(%q) = %v, want %v", tt.number, got, tt.want)
			}
		})
	}
}
