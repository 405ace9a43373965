package core

import (
	"strconv"
	"strings"
)

// EvaluateCondition reports whether a single rule condition holds for the
// given cart. Every failure mode degrades to false: unknown kinds, unknown
// operators, and malformed operands never match.
func EvaluateCondition(kind ConditionKind, op Operator, operand []string, cart CartSnapshot) bool {
	switch kind {
	case ConditionOrderTotal, ConditionOrderSubtotal, ConditionShippingAmount, ConditionTaxAmount:
		return evaluateAmount(amountFor(kind, cart), op, operand)
	case ConditionProductInCart, ConditionProductVariations, ConditionProductCategories,
		ConditionCouponApplied, ConditionCustomerRoles:
		if cart.IsEmpty() {
			return false
		}
		return evaluateMembership(idSetFor(kind, cart), op, operand)
	default:
		return false
	}
}

func amountFor(kind ConditionKind, cart CartSnapshot) string {
	switch kind {
	case ConditionOrderTotal:
		return cart.OrderTotal
	case ConditionOrderSubtotal:
		return cart.OrderSubtotal
	case ConditionShippingAmount:
		return cart.ShippingAmount
	case ConditionTaxAmount:
		return cart.TaxAmount
	default:
		return ""
	}
}

func evaluateAmount(raw string, op Operator, operand []string) bool {
	if len(operand) == 0 {
		return false
	}

	target, err := strconv.ParseFloat(strings.TrimSpace(operand[0]), 64)
	if err != nil {
		return false
	}

	amount := ParseAmount(raw)
	switch op {
	case OperatorLessThan:
		return amount < target
	case OperatorGreaterThan:
		return amount > target
	case OperatorLessThanEqual:
		return amount <= target
	case OperatorGreaterThanEqual:
		return amount >= target
	case OperatorEqual:
		return amount == target
	default:
		return false
	}
}

// ParseAmount extracts a float from a display-formatted amount such as
// "$1,234.50". Everything outside digits and the decimal point is dropped;
// values that still fail to parse coerce to zero.
func ParseAmount(raw string) float64 {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}

	value, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return value
}

func idSetFor(kind ConditionKind, cart CartSnapshot) map[string]struct{} {
	var ids []string
	switch kind {
	case ConditionProductInCart:
		ids = cart.ProductIDs
	case ConditionProductVariations:
		ids = cart.VariationIDs
	case ConditionProductCategories:
		ids = cart.CategoryIDs
	case ConditionCouponApplied:
		ids = cart.CouponIDs
	case ConditionCustomerRoles:
		ids = cart.CustomerRoles
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if kind == ConditionProductVariations && (id == "" || id == "0") {
			// "0" marks a line item without a variation.
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// evaluateMembership scans the operand values against the actual cart set.
// Inclusion operators (contains/is) return true on the first operand present,
// giving OR semantics; exclusion operators (not_contain/is_not) return false
// on the first operand present, giving AND-NOT semantics.
func evaluateMembership(actual map[string]struct{}, op Operator, operand []string) bool {
	for _, id := range operand {
		if _, present := actual[id]; !present {
			continue
		}
		switch op {
		case OperatorContains, OperatorIs:
			return true
		case OperatorNotContain, OperatorIsNot:
			return false
		}
	}

	return op == OperatorNotContain || op == OperatorIsNot
}
