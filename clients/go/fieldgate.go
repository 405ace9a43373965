// Package fieldgate provides client interfaces and domain types for the
// fieldgate checkout field rules service.
//
// Use the sub-package to create a transport client:
//
//	import fieldgatehttp "github.com/ecomkit/fieldgate/clients/go/http"
package fieldgate

import (
	"context"
	"encoding/json"
	"time"
)

// RuleManager covers reading and replacing a section's rule set.
type RuleManager interface {
	ListRules(ctx context.Context, section string) ([]Rule, error)
	SaveRules(ctx context.Context, section string, rules []Rule) ([]Rule, error)
}

// Resolver covers cart resolution against the stored rule sets.
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (ResolveResult, error)
}

// SettingsManager covers the global checkout settings.
type SettingsManager interface {
	GetSetting(ctx context.Context, key string) (Setting, error)
	SetSetting(ctx context.Context, key, value string) (Setting, error)
	ListSettings(ctx context.Context) ([]Setting, error)
}

// Streamer delivers real-time rule set change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64, section string) (<-chan ChangeEvent, error)
}

// TriState is a yes/no toggle that can also be unset ("") or explicitly
// deferred ("default").
type TriState string

// FieldAssignment is what one rule does to one checkout field when it
// matches.
type FieldAssignment struct {
	Hide     TriState `json:"hide,omitempty"`
	Required TriState `json:"required,omitempty"`
}

// Rule is one conditional field visibility rule within a section.
type Rule struct {
	ID          string                     `json:"id,omitempty"`
	Priority    *int                       `json:"priority,omitempty"`
	Condition   string                     `json:"condition"`
	Operator    string                     `json:"operator"`
	Operand     []string                   `json:"operand,omitempty"`
	StopOnMatch bool                       `json:"stop_on_match,omitempty"`
	Fields      map[string]FieldAssignment `json:"fields,omitempty"`
	MessageType string                     `json:"message_type,omitempty"`
	MessageText string                     `json:"message_text,omitempty"`

	TermsHide             TriState `json:"terms_hide,omitempty"`
	CreateAccountHide     TriState `json:"create_account_hide,omitempty"`
	CreateAccountRequired TriState `json:"create_account_required,omitempty"`
	LoginRequired         TriState `json:"login_required,omitempty"`
}

// CartSnapshot is the caller-supplied view of the cart being resolved.
// Amounts travel as decimal strings.
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

// FieldDefinition describes one checkout field in a schema.
type FieldDefinition struct {
	Label        string `json:"label,omitempty"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required"`
	Autocomplete string `json:"autocomplete,omitempty"`
}

// FieldSchema maps field names (e.g. "billing_first_name") to definitions.
type FieldSchema map[string]FieldDefinition

// Message is a checkout notice attached by a matching rule.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SecondaryState carries the non-field outputs of resolution.
type SecondaryState struct {
	TermsHide             TriState `json:"terms_hide,omitempty"`
	CreateAccountHide     TriState `json:"create_account_hide,omitempty"`
	CreateAccountRequired TriState `json:"create_account_required,omitempty"`
	LoginRequired         TriState `json:"login_required,omitempty"`
}

// ResolveRequest asks the server to resolve one section's rules against a
// cart. Fields is optional; when nil the server applies its built-in schema
// for the section.
type ResolveRequest struct {
	Section string       `json:"section"`
	Cart    CartSnapshot `json:"cart"`
	Fields  FieldSchema  `json:"fields,omitempty"`
}

// ResolveResult is the outcome of one resolution.
type ResolveResult struct {
	Section   string         `json:"section"`
	Fields    FieldSchema    `json:"fields"`
	Messages  []Message      `json:"messages,omitempty"`
	Secondary SecondaryState `json:"secondary"`
}

// Setting is one global checkout setting.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeEvent is a real-time notification that a rule set or setting changed.
// Type is "rules" or "settings"; Payload is the raw event body.
type ChangeEvent struct {
	Type    string
	EventID int64
	Payload json.RawMessage
}
