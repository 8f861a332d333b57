// Package clinicaldata reads the projected clinical data points and lookup
// reference rows that variables are computed from.
package clinicaldata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ruleengine/internal/platform/db"
	"github.com/ehr/ruleengine/internal/platform/ruleengine"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if p := db.PoolFromContext(ctx); p != nil {
		return p
	}
	return pool
}

// fieldColumns maps an aggregate_field to the column holding it. The empty
// field means the point's value, numeric when present.
var fieldColumns = map[string]string{
	"":              "COALESCE(to_jsonb(value_numeric), to_jsonb(value_text))",
	"value":         "COALESCE(to_jsonb(value_numeric), to_jsonb(value_text))",
	"value_numeric": "to_jsonb(value_numeric)",
	"value_text":    "to_jsonb(value_text)",
	"code":          "to_jsonb(code)",
	"status":        "to_jsonb(status)",
}

// filterColumns are the attributes aggregate_filters may match on.
var filterColumns = map[string]string{
	"code":   "code",
	"status": "status",
}

// DataPoint is one row of clinical_data_points.
type DataPoint struct {
	PatientID    string
	Source       string
	Code         string
	ValueNumeric *float64
	ValueText    *string
	Status       string
	EffectiveAt  time.Time
}

// Store implements ruleengine.DataPointSource over clinical_data_points.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) conn(ctx context.Context) querier { return connFor(ctx, s.pool) }

// buildQuery renders the select for q. Filters are applied in key order so
// the statement text is stable.
func buildQuery(q ruleengine.DataPointQuery) (string, []any, error) {
	col, ok := fieldColumns[q.Field]
	if !ok {
		return "", nil, fmt.Errorf("unsupported aggregate field %q", q.Field)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, effective_at FROM clinical_data_points WHERE patient_id = $1 AND source = $2", col)
	args := []any{q.Subject, q.Source}

	if !q.Since.IsZero() {
		args = append(args, q.Since)
		fmt.Fprintf(&b, " AND effective_at >= $%d", len(args))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		fmt.Fprintf(&b, " AND effective_at <= $%d", len(args))
	}

	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		column, ok := filterColumns[k]
		if !ok {
			return "", nil, fmt.Errorf("unsupported aggregate filter %q", k)
		}
		args = append(args, q.Filters[k])
		fmt.Fprintf(&b, " AND %s = $%d", column, len(args))
	}

	fmt.Fprintf(&b, " AND %s IS NOT NULL ORDER BY effective_at ASC, id ASC", col)
	return b.String(), args, nil
}

func (s *Store) DataPoints(ctx context.Context, q ruleengine.DataPointQuery) ([]ruleengine.DataPoint, error) {
	if q.Subject == "" {
		return nil, nil
	}
	sql, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query data points: %w", err)
	}
	defer rows.Close()

	var out []ruleengine.DataPoint
	for rows.Next() {
		var raw []byte
		var at time.Time
		if err := rows.Scan(&raw, &at); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode data point: %w", err)
		}
		out = append(out, ruleengine.DataPoint{Value: v, EffectiveAt: at})
	}
	return out, rows.Err()
}

// Append inserts a data point.
func (s *Store) Append(ctx context.Context, p *DataPoint) error {
	if p.PatientID == "" || p.Source == "" {
		return errors.New("patient_id and source are required")
	}
	if p.EffectiveAt.IsZero() {
		p.EffectiveAt = time.Now().UTC()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_data_points (patient_id, source, code, value_numeric, value_text, status, effective_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7)`,
		p.PatientID, p.Source, p.Code, p.ValueNumeric, p.ValueText, p.Status, p.EffectiveAt)
	if err != nil {
		return fmt.Errorf("insert data point: %w", err)
	}
	return nil
}
