package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLBackend stores credentials in wa_credentials and keys in wa_keys. The
// queries run unchanged on SQLite and PostgreSQL.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend creates a backend over db.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) GetCredentials(ctx context.Context, instance string) (string, bool, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		"SELECT data FROM wa_credentials WHERE instance_id = $1", instance).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return data, true, nil
}

func (b *SQLBackend) InsertCredentialsIfAbsent(ctx context.Context, instance, data string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO wa_credentials (instance_id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO NOTHING`,
		instance, data, time.Now().UTC())
	return err
}

func (b *SQLBackend) PutCredentials(ctx context.Context, instance, data string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO wa_credentials (instance_id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		instance, data, time.Now().UTC())
	return err
}

func (b *SQLBackend) ListInstances(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT instance_id FROM wa_credentials ORDER BY instance_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *SQLBackend) GetKeys(ctx context.Context, instance string, category Category, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, instance, string(category))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT key_id, value FROM wa_keys
		WHERE instance_id = $1 AND category = $2 AND key_id IN (%s)`,
		strings.Join(placeholders, ", "))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (b *SQLBackend) ListKeys(ctx context.Context, instance string, category Category) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT key_id, value FROM wa_keys WHERE instance_id = $1 AND category = $2",
		instance, string(category))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}

func (b *SQLBackend) UpsertKeys(ctx context.Context, instance string, rows []KeyRow) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wa_keys (instance_id, category, key_id, value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id, category, key_id)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, instance, string(r.Category), r.ID, r.Value, now); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", r.Category, r.ID, err)
		}
	}
	return tx.Commit()
}

func (b *SQLBackend) DeleteKey(ctx context.Context, instance string, category Category, id string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM wa_keys WHERE instance_id = $1 AND category = $2 AND key_id = $3",
		instance, string(category), id)
	return err
}

func (b *SQLBackend) ClearKeys(ctx context.Context, instance string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM wa_keys WHERE instance_id = $1", instance)
	return err
}
