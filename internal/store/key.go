package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"maxrelay/internal/pubsub"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SecretPrefix begins every proxy-issued API key, so the proxy pipeline can
// recognize the auth scheme cheaply before hitting the database.
const SecretPrefix = "sk-proxy-"

// Limits are the three optional integer-microdollar caps a key (or a
// key-model override) may carry. A nil field means "no limit."
type Limits struct {
	FiveHourMicros *int64
	WeeklyMicros   *int64
	TotalMicros    *int64
}

// Key is an API key as persisted (spec §3 ApiKey). SecretPlain is populated
// only in the Key that Create returns, for the admin surface to display
// once; the plaintext is never written to the database.
type Key struct {
	ID           string
	SecretHash   string
	SecretPlain  string
	Name         string
	Enabled      bool
	CreatedAt    time.Time
	LastUsedAt   *time.Time

	Limits Limits

	AllowAllModels bool
	AllowedModels  map[string]struct{}
	ModelLimits    map[string]Limits
}

// Allows reports whether model is permitted for this key.
func (k Key) Allows(model string) bool {
	if k.AllowAllModels {
		return true
	}
	_, ok := k.AllowedModels[model]
	return ok
}

// EffectiveLimits returns the most-restrictive-wins combination of the
// key-level and per-model limits for model (spec §9 Open Question
// resolution).
func (k Key) EffectiveLimits(model string) Limits {
	out := k.Limits
	if ml, ok := k.ModelLimits[model]; ok {
		out.FiveHourMicros = minPtr(out.FiveHourMicros, ml.FiveHourMicros)
		out.WeeklyMicros = minPtr(out.WeeklyMicros, ml.WeeklyMicros)
		out.TotalMicros = minPtr(out.TotalMicros, ml.TotalMicros)
	}
	return out
}

func minPtr(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

// KeyService persists API keys and their per-model access/overrides.
type KeyService interface {
	pubsub.Suscriber[Key]
	Create(ctx context.Context, name string, limits Limits, allowAllModels bool, allowedModels []string) (Key, error)
	Get(ctx context.Context, id string) (Key, bool, error)
	GetBySecret(ctx context.Context, secret string) (Key, bool, error)
	List(ctx context.Context) ([]Key, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetLimits(ctx context.Context, id string, limits Limits) error
	SetModelLimits(ctx context.Context, id, model string, limits Limits) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type keyService struct {
	*pubsub.Broker[Key]
	db *sql.DB
}

func NewKeyService(db *sql.DB) KeyService {
	return &keyService{Broker: pubsub.NewBroker[Key](), db: db}
}

// Create generates a new key id+secret, hashes the secret with bcrypt, and
// persists it. The returned Key carries the plaintext secret; callers must
// show it to the admin exactly once.
func (s *keyService) Create(ctx context.Context, name string, limits Limits, allowAllModels bool, allowedModels []string) (Key, error) {
	id := uuid.New().String()
	secret := SecretPrefix + uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Key{}, fmt.Errorf("hashing key secret: %w", err)
	}

	k := Key{
		ID:             id,
		SecretHash:     string(hash),
		SecretPlain:    secret,
		Name:           name,
		Enabled:        true,
		CreatedAt:      time.Now(),
		Limits:         limits,
		AllowAllModels: allowAllModels,
		AllowedModels:  toSet(allowedModels),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Key{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, secret_hash, secret_plain, name, enabled, created_at,
			five_hour_limit_micros, weekly_limit_micros, total_limit_micros, allow_all_models)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		k.ID, k.SecretHash, nil, k.Name, k.CreatedAt.Unix(),
		k.Limits.FiveHourMicros, k.Limits.WeeklyMicros, k.Limits.TotalMicros, boolToInt(allowAllModels))
	if err != nil {
		return Key{}, fmt.Errorf("inserting key: %w", err)
	}

	for model := range k.AllowedModels {
		if _, err := tx.ExecContext(ctx, `INSERT INTO api_key_model_access (key_id, model_id) VALUES (?, ?)`, k.ID, model); err != nil {
			return Key{}, fmt.Errorf("inserting model access: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Key{}, fmt.Errorf("committing key creation: %w", err)
	}

	_ = s.Publish(ctx, pubsub.CreatedEvent, k)
	return k, nil
}

func (s *keyService) Get(ctx context.Context, id string) (Key, bool, error) {
	return s.queryOne(ctx, `WHERE id = ?`, id)
}

func (s *keyService) GetBySecret(ctx context.Context, secret string) (Key, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, secret_hash FROM api_keys WHERE enabled = 1`)
	if err != nil {
		return Key{}, false, fmt.Errorf("listing key hashes: %w", err)
	}
	defer rows.Close()

	var matchedID string
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return Key{}, false, fmt.Errorf("scanning key hash: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil {
			matchedID = id
			break
		}
	}
	if err := rows.Err(); err != nil {
		return Key{}, false, err
	}
	if matchedID == "" {
		return Key{}, false, nil
	}
	return s.Get(ctx, matchedID)
}

func (s *keyService) List(ctx context.Context) ([]Key, error) {
	return s.queryMany(ctx, ``)
}

func (s *keyService) queryOne(ctx context.Context, where string, args ...any) (Key, bool, error) {
	keys, err := s.queryMany(ctx, where, args...)
	if err != nil {
		return Key{}, false, err
	}
	if len(keys) == 0 {
		return Key{}, false, nil
	}
	return keys[0], true, nil
}

func (s *keyService) queryMany(ctx context.Context, where string, args ...any) ([]Key, error) {
	query := `
		SELECT id, secret_hash, secret_plain, name, enabled, created_at, last_used_at,
		       five_hour_limit_micros, weekly_limit_micros, total_limit_micros, allow_all_models
		FROM api_keys ` + where + ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		var secretPlain sql.NullString
		var createdAt int64
		var lastUsedAt sql.NullInt64
		var enabled, allowAll int
		if err := rows.Scan(&k.ID, &k.SecretHash, &secretPlain, &k.Name, &enabled, &createdAt, &lastUsedAt,
			&k.Limits.FiveHourMicros, &k.Limits.WeeklyMicros, &k.Limits.TotalMicros, &allowAll); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		k.SecretPlain = secretPlain.String
		k.Enabled = enabled != 0
		k.AllowAllModels = allowAll != 0
		k.CreatedAt = time.Unix(createdAt, 0)
		if lastUsedAt.Valid {
			t := time.Unix(lastUsedAt.Int64, 0)
			k.LastUsedAt = &t
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.loadModelAccess(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *keyService) loadModelAccess(ctx context.Context, k *Key) error {
	k.AllowedModels = make(map[string]struct{})
	rows, err := s.db.QueryContext(ctx, `SELECT model_id FROM api_key_model_access WHERE key_id = ?`, k.ID)
	if err != nil {
		return fmt.Errorf("loading model access for %s: %w", k.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return err
		}
		k.AllowedModels[m] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	k.ModelLimits = make(map[string]Limits)
	limRows, err := s.db.QueryContext(ctx, `
		SELECT model_id, five_hour_limit_micros, weekly_limit_micros, total_limit_micros
		FROM api_key_model_limits WHERE key_id = ?`, k.ID)
	if err != nil {
		return fmt.Errorf("loading model limits for %s: %w", k.ID, err)
	}
	defer limRows.Close()
	for limRows.Next() {
		var model string
		var lim Limits
		if err := limRows.Scan(&model, &lim.FiveHourMicros, &lim.WeeklyMicros, &lim.TotalMicros); err != nil {
			return err
		}
		k.ModelLimits[model] = lim
	}
	return limRows.Err()
}

func (s *keyService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("setting enabled for key %s: %w", id, err)
	}
	if k, ok, _ := s.Get(ctx, id); ok {
		_ = s.Publish(ctx, pubsub.UpdatedEvent, k)
	}
	return nil
}

func (s *keyService) SetLimits(ctx context.Context, id string, limits Limits) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET five_hour_limit_micros = ?, weekly_limit_micros = ?, total_limit_micros = ?
		WHERE id = ?`, limits.FiveHourMicros, limits.WeeklyMicros, limits.TotalMicros, id)
	if err != nil {
		return fmt.Errorf("setting limits for key %s: %w", id, err)
	}
	if k, ok, _ := s.Get(ctx, id); ok {
		_ = s.Publish(ctx, pubsub.UpdatedEvent, k)
	}
	return nil
}

func (s *keyService) SetModelLimits(ctx context.Context, id, model string, limits Limits) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_key_model_limits (key_id, model_id, five_hour_limit_micros, weekly_limit_micros, total_limit_micros)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key_id, model_id) DO UPDATE SET
			five_hour_limit_micros = excluded.five_hour_limit_micros,
			weekly_limit_micros = excluded.weekly_limit_micros,
			total_limit_micros = excluded.total_limit_micros`,
		id, model, limits.FiveHourMicros, limits.WeeklyMicros, limits.TotalMicros)
	if err != nil {
		return fmt.Errorf("setting model limits for key %s/%s: %w", id, model, err)
	}
	return nil
}

func (s *keyService) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("touching key %s: %w", id, err)
	}
	return nil
}

func (s *keyService) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting key %s: %w", id, err)
	}
	return s.Publish(ctx, pubsub.DeletedEvent, Key{ID: id})
}

func toSet(models []string) map[string]struct{} {
	out := make(map[string]struct{}, len(models))
	for _, m := range models {
		out[m] = struct{}{}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
