// Package model holds the pricing table mapping model ids to per-million-
// token prices, all expressed in microdollars.
package model

import (
	"context"
	"database/sql"
	"fmt"
)

// Model is one priced, orderable entry in the model catalog.
type Model struct {
	ID      string
	Enabled bool
	Order   int

	InputPriceMicros      int64
	OutputPriceMicros     int64
	CacheReadPriceMicros  int64
	CacheWritePriceMicros int64
}

// Usage is the token accounting for a single completed request.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// CostMicros computes integer microdollar cost for u priced against m,
// truncating division applied once per usage event (spec's monetary
// arithmetic rule).
func (m Model) CostMicros(u Usage) int64 {
	return u.InputTokens*m.InputPriceMicros/1_000_000 +
		u.OutputTokens*m.OutputPriceMicros/1_000_000 +
		u.CacheReadTokens*m.CacheReadPriceMicros/1_000_000 +
		u.CacheWriteTokens*m.CacheWritePriceMicros/1_000_000
}

// Store persists the model catalog in the database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) List(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enabled, display_order, input_price_micros, output_price_micros,
		       cache_read_price_micros, cache_write_price_micros
		FROM models ORDER BY display_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		var enabled int
		if err := rows.Scan(&m.ID, &enabled, &m.Order, &m.InputPriceMicros, &m.OutputPriceMicros, &m.CacheReadPriceMicros, &m.CacheWritePriceMicros); err != nil {
			return nil, fmt.Errorf("scanning model: %w", err)
		}
		m.Enabled = enabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Model, bool, error) {
	var m Model
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, enabled, display_order, input_price_micros, output_price_micros,
		       cache_read_price_micros, cache_write_price_micros
		FROM models WHERE id = ?`, id).
		Scan(&m.ID, &enabled, &m.Order, &m.InputPriceMicros, &m.OutputPriceMicros, &m.CacheReadPriceMicros, &m.CacheWritePriceMicros)
	if err == sql.ErrNoRows {
		return Model{}, false, nil
	}
	if err != nil {
		return Model{}, false, fmt.Errorf("getting model %s: %w", id, err)
	}
	m.Enabled = enabled != 0
	return m, true, nil
}

func (s *Store) Upsert(ctx context.Context, m Model) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, enabled, display_order, input_price_micros, output_price_micros, cache_read_price_micros, cache_write_price_micros)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			display_order = excluded.display_order,
			input_price_micros = excluded.input_price_micros,
			output_price_micros = excluded.output_price_micros,
			cache_read_price_micros = excluded.cache_read_price_micros,
			cache_write_price_micros = excluded.cache_write_price_micros`,
		m.ID, boolToInt(m.Enabled), m.Order, m.InputPriceMicros, m.OutputPriceMicros, m.CacheReadPriceMicros, m.CacheWritePriceMicros)
	if err != nil {
		return fmt.Errorf("upserting model %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting model %s: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CanonicalID strips a thinking-suffix annotation like "(high)" or "(32000)"
// from a client-supplied model id, returning the bare upstream model id.
func CanonicalID(id string) string {
	if i := indexByte(id, '('); i >= 0 {
		return id[:i]
	}
	return id
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
