package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database/backends"
)

// Repository reads and edits settings and entity rules in the datastore.
type Repository struct {
	db      *sql.DB
	dialect backends.Dialect
	now     func() time.Time
}

// NewRepository creates a repository over db.
func NewRepository(db *sql.DB, dialect backends.Dialect) *Repository {
	return &Repository{db: db, dialect: dialect, now: time.Now}
}

// Load reads the settings row and every entity rule in one transaction so the
// snapshot is self-consistent.
func (r *Repository) Load(ctx context.Context) (*RuntimeConfig, error) {
	var opts *sql.TxOptions
	if r.dialect == backends.DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}

	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, &ConfigLoadError{Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback()

	cfg := &RuntimeConfig{
		Contacts: make(map[string]EntityRule),
		Groups:   make(map[string]EntityRule),
	}

	var mode, groupsRule, dest string
	err = tx.QueryRowContext(ctx, `
		SELECT ignore_from_self, contacts_mode, groups_default_rule, reply_destination, reply_prefix
		FROM bridge_settings WHERE id = 1`).
		Scan(&cfg.Settings.IgnoreFromSelf, &mode, &groupsRule, &dest, &cfg.Settings.ReplyPrefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ConfigLoadError{Err: ErrSettingsMissing}
	}
	if err != nil {
		return nil, &ConfigLoadError{Err: fmt.Errorf("read settings: %w", err)}
	}
	cfg.Settings.ContactsMode = ContactsMode(mode)
	cfg.Settings.GroupsDefaultRule = Rule(groupsRule)
	cfg.Settings.ReplyDestination = ReplyDestination(dest)

	entries, err := listRules(ctx, tx)
	if err != nil {
		return nil, &ConfigLoadError{Err: err}
	}
	for _, e := range entries {
		if e.Kind == KindGroup {
			cfg.Groups[NormalizeID(e.Identifier)] = e
		} else {
			cfg.Contacts[NormalizeID(e.Identifier)] = e
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ConfigLoadError{Err: fmt.Errorf("commit: %w", err)}
	}
	cfg.LoadedAt = r.now()
	return cfg, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listRules(ctx context.Context, q queryer) ([]EntityRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT identifier, kind, display_name, rule
		FROM entity_rules_view ORDER BY kind, identifier`)
	if err != nil {
		return nil, fmt.Errorf("read entity rules: %w", err)
	}
	defer rows.Close()

	var out []EntityRule
	for rows.Next() {
		var e EntityRule
		var kind, rule string
		if err := rows.Scan(&e.Identifier, &kind, &e.DisplayName, &rule); err != nil {
			return nil, fmt.Errorf("scan entity rule: %w", err)
		}
		e.Kind = EntityKind(kind)
		e.Rule = Rule(rule)
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns every known entity with its effective override.
func (r *Repository) List(ctx context.Context) ([]EntityRule, error) {
	return listRules(ctx, r.db)
}

// UpsertEntity registers a contact or group, updating its display name when
// it already exists.
func (r *Repository) UpsertEntity(ctx context.Context, id string, kind EntityKind, displayName string) error {
	if kind != KindContact && kind != KindGroup {
		return fmt.Errorf("invalid entity kind %q", kind)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name`,
		NormalizeID(id), string(kind), displayName)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", id, err)
	}
	return nil
}

// SetRule stores the override for an entity, registering the entity first
// when it is unknown.
func (r *Repository) SetRule(ctx context.Context, id string, kind EntityKind, rule Rule) error {
	if !rule.Valid() {
		return fmt.Errorf("invalid rule %q", rule)
	}
	id = NormalizeID(id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, kind) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, id, string(kind)); err != nil {
		return fmt.Errorf("register entity %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_rules (entity_id, rule, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (entity_id) DO UPDATE SET rule = excluded.rule, updated_at = excluded.updated_at`,
		id, string(rule), r.now().UTC()); err != nil {
		return fmt.Errorf("set rule for %s: %w", id, err)
	}
	return tx.Commit()
}

// UpdateSettings replaces the global settings row.
func (r *Repository) UpdateSettings(ctx context.Context, s Settings) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bridge_settings
		SET ignore_from_self = $1, contacts_mode = $2, groups_default_rule = $3,
		    reply_destination = $4, reply_prefix = $5, updated_at = $6
		WHERE id = 1`,
		s.IgnoreFromSelf, string(s.ContactsMode), string(s.GroupsDefaultRule),
		string(s.ReplyDestination), s.ReplyPrefix, r.now().UTC())
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
