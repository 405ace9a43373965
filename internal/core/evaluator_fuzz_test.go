package core

import "testing"

func FuzzParseAmount(f *testing.F) {
	f.Add("150.00")
	f.Add("$1,234.50")
	f.Add("")
	f.Add("12.34.56")
	f.Add("-99")

	f.Fuzz(func(t *testing.T, raw string) {
		got := ParseAmount(raw)
		if got < 0 {
			t.Fatalf("ParseAmount(%q) = %v, want >= 0 after stripping signs", raw, got)
		}
	})
}

func FuzzEvaluateCondition(f *testing.F) {
	f.Add("order_total", "greater_than", "100", "150.00", "5")
	f.Add("product_in_cart", "contains", "5", "", "5")
	f.Add("customer_roles", "is_not", "wholesale", "", "")
	f.Add("", "", "", "", "")

	f.Fuzz(func(t *testing.T, kind, op, operand, total, productID string) {
		cart := CartSnapshot{OrderTotal: total}
		if productID != "" {
			cart.ProductIDs = []string{productID}
		}

		// Must never panic, whatever the inputs.
		EvaluateCondition(ConditionKind(kind), Operator(op), []string{operand}, cart)
		EvaluateCondition(ConditionKind(kind), Operator(op), nil, cart)
	})
}
