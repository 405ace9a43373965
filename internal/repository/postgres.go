// Package repository provides PostgreSQL-backed persistence for checkout
// visibility rule sets, global checkout settings, rule-set change events, and
// API keys. Rules are stored one row per rule under a stable UUID; the
// position column preserves the admin's insertion order for rules without an
// explicit priority.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const defaultEventBatchSize = 1000

// Rule is the repository-level representation of one rule row. Operand and
// FieldAssignments stay raw JSON here; the service layer parses and validates
// them against the core types.
type Rule struct {
	ID          string          `json:"id"`
	Section     string          `json:"section"`
	Position    int             `json:"position"`
	Priority    *int            `json:"priority,omitempty"`
	Condition   string          `json:"condition"`
	Operator    string          `json:"operator"`
	Operand     json.RawMessage `json:"operand"`
	StopOnMatch bool            `json:"stop_on_match"`
	Fields      json.RawMessage `json:"fields"`
	MessageType string          `json:"message_type"`
	MessageText string          `json:"message_text"`

	TermsHide             string `json:"terms_hide"`
	CreateAccountHide     string `json:"create_account_hide"`
	CreateAccountRequired string `json:"create_account_required"`
	LoginRequired         string `json:"login_required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting is one global checkout toggle (section enablement, premium tier,
// terms default, and so on).
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleSetEvent records a change to a section's rule set or settings, stored
// in the ruleset_events table and used to drive the SSE change stream.
type RuleSetEvent struct {
	EventID   int64           `json:"event_id"`
	Section   string          `json:"section"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIKey metadata, suitable for listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository implements rule set, settings, event, and API key
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	eventBatchSize int
}

// Option configures a PostgresRepository.
type Option func(*PostgresRepository)

// WithEventBatchSize caps how many events a single stream poll query returns.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository].
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const ruleColumns = `id, section, position, priority, condition, operator, operand,
	stop_on_match, field_assignments, message_type, message_text,
	terms_hide, create_account_hide, create_account_required, login_required,
	created_at, updated_at`

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (Rule, error) {
	var rule Rule
	err := row.Scan(
		&rule.ID,
		&rule.Section,
		&rule.Position,
		&rule.Priority,
		&rule.Condition,
		&rule.Operator,
		&rule.Operand,
		&rule.StopOnMatch,
		&rule.Fields,
		&rule.MessageType,
		&rule.MessageText,
		&rule.TermsHide,
		&rule.CreateAccountHide,
		&rule.CreateAccountRequired,
		&rule.LoginRequired,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

// ListRules returns a section's rules in insertion order.
func (r *PostgresRepository) ListRules(ctx context.Context, section string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM rules
		WHERE section = $1
		ORDER BY position
	`, ruleColumns), section)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// GetRule retrieves every stored attribute for one rule key. Returns
// pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (Rule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s
		FROM rules
		WHERE id = $1
	`, ruleColumns), id))
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ReplaceRules swaps out a section's entire rule set in one transaction.
// Positions are assigned from slice order; rules carrying an existing ID keep
// it, so a rule's identity survives edits. The write is last-write-wins.
func (r *PostgresRepository) ReplaceRules(ctx context.Context, section string, rules []Rule) ([]Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace rules tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM rules WHERE section = $1`, section); err != nil {
		return nil, fmt.Errorf("clear section rules: %w", err)
	}

	stored := make([]Rule, 0, len(rules))
	for position, rule := range rules {
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}

		created, err := scanRule(tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO rules (
				id, section, position, priority, condition, operator, operand,
				stop_on_match, field_assignments, message_type, message_text,
				terms_hide, create_account_hide, create_account_required, login_required
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING %s
		`, ruleColumns),
			rule.ID,
			section,
			position,
			rule.Priority,
			rule.Condition,
			rule.Operator,
			ensureJSON(rule.Operand, "[]"),
			rule.StopOnMatch,
			ensureJSON(rule.Fields, "{}"),
			rule.MessageType,
			rule.MessageText,
			rule.TermsHide,
			rule.CreateAccountHide,
			rule.CreateAccountRequired,
			rule.LoginRequired,
		))
		if err != nil {
			return nil, fmt.Errorf("insert rule %d: %w", position, err)
		}

		stored = append(stored, created)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace rules tx: %w", err)
	}

	return stored, nil
}

// UpdateRule rewrites every mutable attribute of one rule row. Returns
// pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	updated, err := scanRule(r.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE rules
		SET priority = $2,
		    condition = $3,
		    operator = $4,
		    operand = $5,
		    stop_on_match = $6,
		    field_assignments = $7,
		    message_type = $8,
		    message_text = $9,
		    terms_hide = $10,
		    create_account_hide = $11,
		    create_account_required = $12,
		    login_required = $13,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, ruleColumns),
		rule.ID,
		rule.Priority,
		rule.Condition,
		rule.Operator,
		ensureJSON(rule.Operand, "[]"),
		rule.StopOnMatch,
		ensureJSON(rule.Fields, "{}"),
		rule.MessageType,
		rule.MessageText,
		rule.TermsHide,
		rule.CreateAccountHide,
		rule.CreateAccountRequired,
		rule.LoginRequired,
	))
	if err != nil {
		return Rule{}, fmt.Errorf("update rule: %w", err)
	}

	return updated, nil
}

// DeleteRule removes one rule by key. Returns pgx.ErrNoRows (wrapped) if the
// rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}

	return nil
}

// GetSetting retrieves one global setting. Returns pgx.ErrNoRows (wrapped)
// if the key has never been written.
func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (Setting, error) {
	var setting Setting
	err := r.pool.QueryRow(ctx, `
		SELECT key, value, updated_at
		FROM checkout_settings
		WHERE key = $1
	`, key).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err != nil {
		return Setting{}, fmt.Errorf("get setting: %w", err)
	}

	return setting, nil
}

// SetSetting upserts one global setting.
func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) (Setting, error) {
	var setting Setting
	err := r.pool.QueryRow(ctx, `
		INSERT INTO checkout_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		RETURNING key, value, updated_at
	`, key, value).Scan(&setting.Key, &setting.Value, &setting.UpdatedAt)
	if err != nil {
		return Setting{}, fmt.Errorf("set setting: %w", err)
	}

	return setting, nil
}

// ListSettings returns every stored setting ordered by key.
func (r *PostgresRepository) ListSettings(ctx context.Context) ([]Setting, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value, updated_at FROM checkout_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	settings := make([]Setting, 0)
	for rows.Next() {
		var setting Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings = append(settings, setting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list settings rows: %w", err)
	}

	return settings, nil
}

// PublishRuleSetEvent appends a change event and returns the stored record
// with its server-assigned event ID.
func (r *PostgresRepository) PublishRuleSetEvent(ctx context.Context, event RuleSetEvent) (RuleSetEvent, error) {
	var created RuleSetEvent
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ruleset_events (section, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, section, event_type, payload, created_at
	`,
		event.Section,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Section,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	)
	if err != nil {
		return RuleSetEvent{}, fmt.Errorf("publish ruleset event: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RuleSetEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, section, event_type, payload, created_at
		FROM ruleset_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEventsSinceForSection is ListEventsSince filtered to one section.
func (r *PostgresRepository) ListEventsSinceForSection(ctx context.Context, eventID int64, section string) ([]RuleSetEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, section, event_type, payload, created_at
		FROM ruleset_events
		WHERE event_id > $1 AND section = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, section, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for section: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]RuleSetEvent, error) {
	events := make([]RuleSetEvent, 0)
	for rows.Next() {
		var event RuleSetEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Section,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// compare the presented secret against the hash outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID := uuid.NewString()
	secret := uuid.NewString()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash)); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete api key: %w", pgx.ErrNoRows)
	}
	return nil
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}
