// Package service validates, persists, and resolves checkout field
// visibility rule sets. It sits between the HTTP layer and the repository:
// rules cross the wire as core types, are stored as raw JSON columns, and
// are re-read from storage on every resolution so storefronts always see
// the latest saved configuration.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ecomkit/fieldgate/internal/core"
	"github.com/ecomkit/fieldgate/internal/repository"
)

const (
	EventTypeRulesReplaced  = "rules_replaced"
	EventTypeSettingUpdated = "setting_updated"

	bestEffortTimeout = 2 * time.Second
)

// Recognized setting keys. Every value is a yes/no switch.
const (
	SettingBillingEnabled  = "billing_rules_enabled"
	SettingShippingEnabled = "shipping_rules_enabled"
	SettingPremium         = "premium_features"
)

var (
	ErrRuleNotFound    = errors.New("rule not found")
	ErrInvalidRule     = errors.New("invalid rule")
	ErrUnknownSection  = errors.New("unknown section")
	ErrUnknownSetting  = errors.New("unknown setting")
	ErrSettingNotFound = errors.New("setting not found")
)

var knownSettings = map[string]struct{}{
	SettingBillingEnabled:  {},
	SettingShippingEnabled: {},
	SettingPremium:         {},
}

// operatorsByCondition is the compatibility table enforced at save time.
// Numeric conditions compare amounts, customer_roles uses identity
// operators, and the remaining conditions are set membership checks.
var operatorsByCondition = map[core.ConditionKind]map[core.Operator]struct{}{
	core.ConditionOrderTotal:        amountOperators,
	core.ConditionOrderSubtotal:     amountOperators,
	core.ConditionShippingAmount:    amountOperators,
	core.ConditionTaxAmount:         amountOperators,
	core.ConditionCustomerRoles:     {core.OperatorIs: {}, core.OperatorIsNot: {}},
	core.ConditionProductInCart:     membershipOperators,
	core.ConditionProductVariations: membershipOperators,
	core.ConditionProductCategories: membershipOperators,
	core.ConditionCouponApplied:     membershipOperators,
}

var amountOperators = map[core.Operator]struct{}{
	core.OperatorLessThan:         {},
	core.OperatorGreaterThan:      {},
	core.OperatorLessThanEqual:    {},
	core.OperatorGreaterThanEqual: {},
	core.OperatorEqual:            {},
}

var membershipOperators = map[core.Operator]struct{}{
	core.OperatorContains:   {},
	core.OperatorNotContain: {},
}

// Repository is the persistence surface the service needs. Implemented by
// [repository.PostgresRepository].
type Repository interface {
	ListRules(ctx context.Context, section string) ([]repository.Rule, error)
	ReplaceRules(ctx context.Context, section string, rules []repository.Rule) ([]repository.Rule, error)
	GetSetting(ctx context.Context, key string) (repository.Setting, error)
	SetSetting(ctx context.Context, key, value string) (repository.Setting, error)
	ListSettings(ctx context.Context) ([]repository.Setting, error)
	PublishRuleSetEvent(ctx context.Context, event repository.RuleSetEvent) (repository.RuleSetEvent, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleSetEvent, error)
	ListEventsSinceForSection(ctx context.Context, eventID int64, section string) ([]repository.RuleSetEvent, error)
}

// ResolveResponse is the storefront-facing outcome of one resolution pass:
// the checkout field schema after hide/require rules are applied, plus any
// notices and secondary checkout switches.
type ResolveResponse struct {
	Section   core.Section        `json:"section"`
	Fields    core.FieldSchema    `json:"fields"`
	Messages  []core.Message      `json:"messages,omitempty"`
	Secondary core.SecondaryState `json:"secondary"`
}

// Service implements rule set management and resolution on top of a
// Repository.
type Service struct {
	repo     Repository
	logger   *slog.Logger
	resolved func(section string)
	saved    func(section string)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithResolveObserver registers a callback invoked after every successful
// resolution, keyed by section. Used to feed metrics.
func WithResolveObserver(observer func(section string)) Option {
	return func(s *Service) {
		s.resolved = observer
	}
}

// WithSaveObserver registers a callback invoked after every successful rule
// set save, keyed by section.
func WithSaveObserver(observer func(section string)) Option {
	return func(s *Service) {
		s.saved = observer
	}
}

// New creates a Service.
func New(repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:   repo,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// ListRules returns a section's saved rules in evaluation storage order.
func (s *Service) ListRules(ctx context.Context, section core.Section) ([]core.Rule, error) {
	if !section.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}

	stored, err := s.repo.ListRules(ctx, string(section))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	return repositoryRulesToCore(stored)
}

// SaveRules validates and persists a section's entire rule set, replacing
// whatever was stored before. Duplicate priorities are cleared so that the
// most recently listed holder keeps the value, matching what the rule editor
// shows after a save. A change event is published best-effort after commit.
func (s *Service) SaveRules(ctx context.Context, section core.Section, rules []core.Rule) ([]core.Rule, error) {
	if !section.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}
	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	normalized := core.NormalizePriorities(rules)

	toStore := make([]repository.Rule, 0, len(normalized))
	for i, rule := range normalized {
		stored, err := coreRuleToRepository(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		toStore = append(toStore, stored)
	}

	stored, err := s.repo.ReplaceRules(ctx, string(section), toStore)
	if err != nil {
		return nil, fmt.Errorf("replace rules: %w", err)
	}

	s.publishEventBestEffort(ctx, string(section), EventTypeRulesReplaced, map[string]any{
		"section":    section,
		"rule_count": len(stored),
	})
	if s.saved != nil {
		s.saved(string(section))
	}

	return repositoryRulesToCore(stored)
}

// Resolve evaluates a section's saved rules against a cart snapshot and
// returns the resulting checkout field schema. The storefront may supply its
// own schema; a nil schema falls back to the stock checkout fields. Rules are
// loaded fresh from storage on every call. A disabled section resolves to the
// unmodified schema.
func (s *Service) Resolve(ctx context.Context, section core.Section, cart core.CartSnapshot, schema core.FieldSchema) (ResolveResponse, error) {
	if !section.Valid() {
		return ResolveResponse{}, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}
	if schema == nil {
		schema = core.DefaultFieldSchema(section)
	}

	response := ResolveResponse{Section: section}

	enabled, err := s.sectionEnabled(ctx, section)
	if err != nil {
		return ResolveResponse{}, err
	}
	if !enabled {
		response.Fields = schema
		return response, nil
	}

	rules, err := s.ListRules(ctx, section)
	if err != nil {
		return ResolveResponse{}, err
	}

	premium, err := s.settingIsYes(ctx, SettingPremium)
	if err != nil {
		return ResolveResponse{}, err
	}

	result := core.Resolve(rules, cart, core.ResolveOptions{
		Premium:         premium,
		CollectMessages: premium,
	})

	response.Fields = core.ApplyFieldState(result.Fields, schema)
	response.Messages = result.Messages
	response.Secondary = result.Secondary

	if s.resolved != nil {
		s.resolved(string(section))
	}

	return response, nil
}

// GetSetting returns one global setting. An unknown key is rejected; a known
// key that was never written returns ErrSettingNotFound.
func (s *Service) GetSetting(ctx context.Context, key string) (repository.Setting, error) {
	if _, ok := knownSettings[key]; !ok {
		return repository.Setting{}, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}

	setting, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Setting{}, ErrSettingNotFound
		}
		return repository.Setting{}, fmt.Errorf("get setting: %w", err)
	}

	return setting, nil
}

// SetSetting writes one global yes/no setting and publishes a change event.
func (s *Service) SetSetting(ctx context.Context, key, value string) (repository.Setting, error) {
	if _, ok := knownSettings[key]; !ok {
		return repository.Setting{}, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	if value != "yes" && value != "no" {
		return repository.Setting{}, fmt.Errorf("%w: setting %q value must be yes or no", ErrInvalidRule, key)
	}

	setting, err := s.repo.SetSetting(ctx, key, value)
	if err != nil {
		return repository.Setting{}, fmt.Errorf("set setting: %w", err)
	}

	s.publishEventBestEffort(ctx, "", EventTypeSettingUpdated, setting)

	return setting, nil
}

// ListSettings returns every stored setting.
func (s *Service) ListSettings(ctx context.Context) ([]repository.Setting, error) {
	settings, err := s.repo.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}

	return settings, nil
}

// ListEventsSince returns change events after eventID, optionally filtered
// to one section.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64, section string) ([]repository.RuleSetEvent, error) {
	if section == "" {
		events, err := s.repo.ListEventsSince(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("list events since %d: %w", eventID, err)
		}
		return events, nil
	}

	if !core.Section(section).Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}

	events, err := s.repo.ListEventsSinceForSection(ctx, eventID, section)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for section %q: %w", eventID, section, err)
	}

	return events, nil
}

func (s *Service) sectionEnabled(ctx context.Context, section core.Section) (bool, error) {
	key := SettingBillingEnabled
	if section == core.SectionShipping {
		key = SettingShippingEnabled
	}

	setting, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		// Sections are enabled until explicitly switched off.
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("get setting %q: %w", key, err)
	}

	return setting.Value != "no", nil
}

func (s *Service) settingIsYes(ctx context.Context, key string) (bool, error) {
	setting, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get setting %q: %w", key, err)
	}

	return setting.Value == "yes", nil
}

func (s *Service) publishEventBestEffort(ctx context.Context, section, eventType string, payload any) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.WarnContext(publishCtx, "marshal event payload", "event_type", eventType, "error", err)
		return
	}

	if _, err := s.repo.PublishRuleSetEvent(publishCtx, repository.RuleSetEvent{
		Section:   section,
		EventType: eventType,
		Payload:   encoded,
	}); err != nil {
		s.logger.WarnContext(publishCtx, "publish event", "event_type", eventType, "error", err)
	}
}

func validateRule(rule core.Rule) error {
	allowed, ok := operatorsByCondition[rule.Condition]
	if !ok {
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidRule, rule.Condition)
	}
	if _, ok := allowed[rule.Operator]; !ok {
		return fmt.Errorf("%w: operator %q not valid for condition %q", ErrInvalidRule, rule.Operator, rule.Condition)
	}
	if rule.Priority != nil && *rule.Priority < 0 {
		return fmt.Errorf("%w: priority must not be negative", ErrInvalidRule)
	}

	for field, assignment := range rule.Fields {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("%w: field name is empty", ErrInvalidRule)
		}
		if err := validateTriState("hide", assignment.Hide); err != nil {
			return err
		}
		if err := validateTriState("required", assignment.Required); err != nil {
			return err
		}
	}

	for _, secondary := range []struct {
		name  string
		value core.TriState
	}{
		{"terms_hide", rule.TermsHide},
		{"create_account_hide", rule.CreateAccountHide},
		{"create_account_required", rule.CreateAccountRequired},
		{"login_required", rule.LoginRequired},
	} {
		if err := validateTriState(secondary.name, secondary.value); err != nil {
			return err
		}
	}

	switch rule.MessageType {
	case "", core.MessageInformation, core.MessageSuccess, core.MessageWarning, core.MessageError:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidRule, rule.MessageType)
	}

	return nil
}

func validateTriState(name string, value core.TriState) error {
	switch value {
	case core.TriStateUnset, core.TriStateYes, core.TriStateNo, core.TriStateDefault:
		return nil
	default:
		return fmt.Errorf("%w: %s must be yes, no, or default", ErrInvalidRule, name)
	}
}

func repositoryRulesToCore(stored []repository.Rule) ([]core.Rule, error) {
	rules := make([]core.Rule, 0, len(stored))
	for _, row := range stored {
		rule, err := repositoryRuleToCore(row)
		if err != nil {
			return nil, fmt.Errorf("decode rule %q: %w", row.ID, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func repositoryRuleToCore(row repository.Rule) (core.Rule, error) {
	rule := core.Rule{
		ID:                    row.ID,
		Priority:              row.Priority,
		Condition:             core.ConditionKind(row.Condition),
		Operator:              core.Operator(row.Operator),
		StopOnMatch:           row.StopOnMatch,
		MessageType:           core.MessageType(row.MessageType),
		MessageText:           row.MessageText,
		TermsHide:             core.TriState(row.TermsHide),
		CreateAccountHide:     core.TriState(row.CreateAccountHide),
		CreateAccountRequired: core.TriState(row.CreateAccountRequired),
		LoginRequired:         core.TriState(row.LoginRequired),
	}

	if len(row.Operand) > 0 {
		if err := json.Unmarshal(row.Operand, &rule.Operand); err != nil {
			return core.Rule{}, fmt.Errorf("operand: %w", err)
		}
	}
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, &rule.Fields); err != nil {
			return core.Rule{}, fmt.Errorf("field assignments: %w", err)
		}
	}

	return rule, nil
}

func coreRuleToRepository(rule core.Rule) (repository.Rule, error) {
	operand, err := json.Marshal(rule.Operand)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("encode operand: %w", err)
	}
	if rule.Operand == nil {
		operand = json.RawMessage("[]")
	}

	fields, err := json.Marshal(rule.Fields)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("encode field assignments: %w", err)
	}
	if rule.Fields == nil {
		fields = json.RawMessage("{}")
	}

	return repository.Rule{
		ID:                    rule.ID,
		Priority:              rule.Priority,
		Condition:             string(rule.Condition),
		Operator:              string(rule.Operator),
		Operand:               operand,
		StopOnMatch:           rule.StopOnMatch,
		Fields:                fields,
		MessageType:           string(rule.MessageType),
		MessageText:           rule.MessageText,
		TermsHide:             string(rule.TermsHide),
		CreateAccountHide:     string(rule.CreateAccountHide),
		CreateAccountRequired: string(rule.CreateAccountRequired),
		LoginRequired:         string(rule.LoginRequired),
	}, nil
}
