package clinicaldata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LookupStore implements ruleengine.LookupSource over lookup_entries. Each
// entry_value is a JSON object whose members are the row's fields.
type LookupStore struct {
	pool *pgxpool.Pool
}

func NewLookupStore(pool *pgxpool.Pool) *LookupStore { return &LookupStore{pool: pool} }

func (s *LookupStore) Lookup(ctx context.Context, table, key, field string) (any, bool, error) {
	var raw []byte
	err := connFor(ctx, s.pool).QueryRow(ctx,
		`SELECT entry_value -> $3 FROM lookup_entries WHERE table_name = $1 AND entry_key = $2`,
		table, key, field).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s/%s: %w", table, key, err)
	}
	// Missing member: -> yields SQL NULL.
	if raw == nil {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s.%s: %w", table, key, field, err)
	}
	return v, true, nil
}

// Put upserts a reference row, merging record into any existing fields.
func (s *LookupStore) Put(ctx context.Context, table, key string, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	_, err = connFor(ctx, s.pool).Exec(ctx, `
		INSERT INTO lookup_entries (table_name, entry_key, entry_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (table_name, entry_key)
		DO UPDATE SET entry_value = lookup_entries.entry_value || EXCLUDED.entry_value, updated_at = NOW()`,
		table, key, body)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, key, err)
	}
	return nil
}
