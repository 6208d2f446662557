package models

import "testing"

func TestSnakeCase(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "orders", "orders"},
		{"spaces", "Order Items", "order_items"},
		{"camel case", "CustomerID", "customer_id"},
		{"hyphens", "line-item", "line_item"},
		{"punctuation collapsed", "Total ($)", "total"},
		{"consecutive separators", "a  --  b", "a_b"},
		{"leading digit", "2024 Sales", "c_2024_sales"},
		{"unicode dropped", "café", "caf"},
		{"empty", "", ""},
		{"only symbols", "!@#", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SnakeCase(tt.in)
			if got != tt.want {
				t.Errorf("SnakeCase(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
