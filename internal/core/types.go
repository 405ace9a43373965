// Package core implements the checkout field visibility decision logic:
// evaluating rule conditions against a cart snapshot, resolving an ordered
// rule set into per-field states, and applying those states to a checkout
// field schema.
//
// The package is pure: it performs no I/O and never mutates its inputs.
package core

// Section identifies which half of the checkout form a rule set governs.
type Section string

const (
	SectionBilling  Section = "billing"
	SectionShipping Section = "shipping"
)

// Valid reports whether s is a known checkout section.
func (s Section) Valid() bool {
	return s == SectionBilling || s == SectionShipping
}

// ConditionKind selects which part of the cart a rule inspects.
type ConditionKind string

const (
	ConditionOrderTotal        ConditionKind = "order_total"
	ConditionOrderSubtotal     ConditionKind = "order_subtotal"
	ConditionShippingAmount    ConditionKind = "shipping_amount"
	ConditionTaxAmount         ConditionKind = "tax_amount"
	ConditionCustomerRoles     ConditionKind = "customer_roles"
	ConditionProductInCart     ConditionKind = "product_in_cart"
	ConditionProductVariations ConditionKind = "product_variations"
	ConditionProductCategories ConditionKind = "product_categories"
	ConditionCouponApplied     ConditionKind = "coupon_applied"
)

// Operator compares a cart value against a rule's operand. Numeric condition
// kinds accept the comparison operators; customer_roles accepts is/is_not;
// the remaining set-membership kinds accept contains/not_contain.
type Operator string

const (
	OperatorLessThan         Operator = "less_than"
	OperatorGreaterThan      Operator = "greater_than"
	OperatorLessThanEqual    Operator = "less_than_equal"
	OperatorGreaterThanEqual Operator = "greater_than_equal"
	OperatorEqual            Operator = "equal"
	OperatorIs               Operator = "is"
	OperatorIsNot            Operator = "is_not"
	OperatorContains         Operator = "contains"
	OperatorNotContain       Operator = "not_contain"
)

// TriState is a three-valued switch used throughout rule configuration.
// The zero value (and "default") means "leave the current state alone".
type TriState string

const (
	TriStateUnset   TriState = ""
	TriStateYes     TriState = "yes"
	TriStateNo      TriState = "no"
	TriStateDefault TriState = "default"
)

// Concrete reports whether t carries an explicit yes/no decision.
func (t TriState) Concrete() bool {
	return t == TriStateYes || t == TriStateNo
}

// MessageType classifies a checkout notice attached to a rule.
type MessageType string

const (
	MessageInformation MessageType = "information"
	MessageSuccess     MessageType = "success"
	MessageWarning     MessageType = "warning"
	MessageError       MessageType = "error"
)

// FieldAssignment is one rule's instruction for one checkout field.
type FieldAssignment struct {
	Hide     TriState `json:"hide,omitempty"`
	Required TriState `json:"required,omitempty"`
}

// Rule is a single row in a section's rule set. The ID is a stable identifier
// assigned on first save and never changed by later edits; only the priority
// value moves a rule within the evaluation order.
type Rule struct {
	ID          string                     `json:"id,omitempty"`
	Priority    *int                       `json:"priority,omitempty"`
	Condition   ConditionKind              `json:"condition"`
	Operator    Operator                   `json:"operator"`
	Operand     []string                   `json:"operand,omitempty"`
	StopOnMatch bool                       `json:"stop_on_match,omitempty"`
	Fields      map[string]FieldAssignment `json:"fields,omitempty"`
	MessageType MessageType                `json:"message_type,omitempty"`
	MessageText string                     `json:"message_text,omitempty"`

	// Secondary checkout behaviors, applied last-match-wins and only in
	// the premium tier.
	TermsHide             TriState `json:"terms_hide,omitempty"`
	CreateAccountHide     TriState `json:"create_account_hide,omitempty"`
	CreateAccountRequired TriState `json:"create_account_required,omitempty"`
	LoginRequired         TriState `json:"login_required,omitempty"`
}

// CartSnapshot is a read-only view of the live cart taken at resolution time.
// Amounts are raw display strings; currency symbols and grouping separators
// are stripped before comparison.
type CartSnapshot struct {
	OrderTotal     string   `json:"order_total,omitempty"`
	OrderSubtotal  string   `json:"order_subtotal,omitempty"`
	ShippingAmount string   `json:"shipping_amount,omitempty"`
	TaxAmount      string   `json:"tax_amount,omitempty"`
	ProductIDs     []string `json:"product_ids,omitempty"`
	VariationIDs   []string `json:"variation_ids,omitempty"`
	CategoryIDs    []string `json:"category_ids,omitempty"`
	CouponIDs      []string `json:"coupon_ids,omitempty"`
	CustomerRoles  []string `json:"customer_roles,omitempty"`
}

// IsEmpty reports whether the cart holds no products. Set-membership and role
// conditions never match an empty cart.
func (c CartSnapshot) IsEmpty() bool {
	return len(c.ProductIDs) == 0
}

// FieldState is the resolved outcome for one checkout field. A nil Required
// means the platform default applies.
type FieldState struct {
	Hidden   bool  `json:"hidden"`
	Required *bool `json:"required,omitempty"`
}

// Message is a user-facing checkout notice produced by a matched rule.
type Message struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// SecondaryState holds the single-valued secondary checkout outputs. Unlike
// field states these are not merged per attribute; the last matching rule
// that sets a concrete value wins.
type SecondaryState struct {
	TermsHide             TriState `json:"terms_hide,omitempty"`
	CreateAccountHide     TriState `json:"create_account_hide,omitempty"`
	CreateAccountRequired TriState `json:"create_account_required,omitempty"`
	LoginRequired         TriState `json:"login_required,omitempty"`
}

// Result is the output of a single resolution pass. It is computed once per
// request and discarded; callers pass it explicitly to ApplyFieldState.
type Result struct {
	Fields    map[string]FieldState `json:"fields"`
	Messages  []Message             `json:"messages,omitempty"`
	Secondary SecondaryState        `json:"secondary"`
}
