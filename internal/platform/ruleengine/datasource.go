package ruleengine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DataPoint is one observation-like value for a subject.
type DataPoint struct {
	Value       any
	EffectiveAt time.Time
}

// DataPointQuery selects data points for aggregate and time_based variables.
type DataPointQuery struct {
	Source  string
	Field   string
	Subject string
	// Since is the inclusive lower bound; zero means no window.
	Since   time.Time
	Until   time.Time
	Filters map[string]string
}

// DataPointSource supplies data points. Implementations return points ordered
// by EffectiveAt ascending.
type DataPointSource interface {
	DataPoints(ctx context.Context, q DataPointQuery) ([]DataPoint, error)
}

// LookupSource resolves keyed reference values. found=false means the key is
// absent, which resolves to unavailable.
type LookupSource interface {
	Lookup(ctx context.Context, table, key, field string) (value any, found bool, err error)
}

// ---------------------------------------------------------------------------
// In-memory sources
// ---------------------------------------------------------------------------

// MemoryDataPoint is a stored point with its routing attributes.
type MemoryDataPoint struct {
	Subject     string
	Source      string
	Attributes  map[string]string
	Fields      map[string]any
	EffectiveAt time.Time
}

// MemoryDataSource is a thread-safe DataPointSource used by tests and the
// offline rule checker.
type MemoryDataSource struct {
	mu     sync.RWMutex
	points []MemoryDataPoint
}

func NewMemoryDataSource() *MemoryDataSource { return &MemoryDataSource{} }

// Add stores a point with a single "value" field.
func (m *MemoryDataSource) Add(subject, source string, value any, at time.Time, attrs map[string]string) {
	m.AddPoint(MemoryDataPoint{
		Subject: subject, Source: source, Attributes: attrs,
		Fields: map[string]any{"value": value}, EffectiveAt: at,
	})
}

func (m *MemoryDataSource) AddPoint(p MemoryDataPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
}

func (m *MemoryDataSource) DataPoints(ctx context.Context, q DataPointQuery) ([]DataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	field := q.Field
	if field == "" {
		field = "value"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []DataPoint
	for _, p := range m.points {
		if p.Subject != q.Subject || p.Source != q.Source {
			continue
		}
		if !q.Since.IsZero() && p.EffectiveAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && p.EffectiveAt.After(q.Until) {
			continue
		}
		if !matchesFilters(p.Attributes, q.Filters) {
			continue
		}
		v, ok := p.Fields[field]
		if !ok {
			continue
		}
		out = append(out, DataPoint{Value: v, EffectiveAt: p.EffectiveAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveAt.Before(out[j].EffectiveAt) })
	return out, nil
}

func matchesFilters(attrs, filters map[string]string) bool {
	for k, want := range filters {
		if attrs[k] != want {
			return false
		}
	}
	return true
}

// MemoryLookupSource is a thread-safe LookupSource keyed by table and key.
type MemoryLookupSource struct {
	mu      sync.RWMutex
	entries map[string]map[string]map[string]any
}

func NewMemoryLookupSource() *MemoryLookupSource {
	return &MemoryLookupSource{entries: map[string]map[string]map[string]any{}}
}

// Set stores the record for table/key.
func (m *MemoryLookupSource) Set(table, key string, record map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[table] == nil {
		m.entries[table] = map[string]map[string]any{}
	}
	m.entries[table][key] = record
}

func (m *MemoryLookupSource) Lookup(ctx context.Context, table, key, field string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entries[table][key]
	if !ok {
		return nil, false, nil
	}
	v, ok := rec[field]
	return v, ok, nil
}
