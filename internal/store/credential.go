// Package store persists maxrelay's proxy entities: the OAuth credential
// singleton, API keys, and usage counters/history.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"maxrelay/internal/pubsub"
)

// Credential is the single OAuth credential maxrelay holds for the
// upstream Claude subscription.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	Plan         string
}

// CredentialService persists the OAuthCredential singleton (spec §3) and
// publishes updates so the admin surface and status TUI can reflect
// connect/refresh/disconnect live.
type CredentialService interface {
	pubsub.Suscriber[Credential]
	Get(ctx context.Context) (Credential, bool, error)
	Put(ctx context.Context, cred Credential) error
	Delete(ctx context.Context) error
}

type credentialService struct {
	*pubsub.Broker[Credential]
	db *sql.DB
}

func NewCredentialService(db *sql.DB) CredentialService {
	return &credentialService{
		Broker: pubsub.NewBroker[Credential](),
		db:     db,
	}
}

func (s *credentialService) Get(ctx context.Context) (Credential, bool, error) {
	var c Credential
	var plan sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, plan FROM oauth_credential WHERE id = 1`).
		Scan(&c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &plan)
	if err == sql.ErrNoRows {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("reading oauth credential: %w", err)
	}
	c.Plan = plan.String
	return c, true, nil
}

func (s *credentialService) Put(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_credential (id, access_token, refresh_token, expires_at, plan)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			plan = excluded.plan`,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, nullableString(cred.Plan))
	if err != nil {
		return fmt.Errorf("storing oauth credential: %w", err)
	}
	return s.Publish(ctx, pubsub.UpdatedEvent, cred)
}

func (s *credentialService) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_credential WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("deleting oauth credential: %w", err)
	}
	return s.Publish(ctx, pubsub.DeletedEvent, Credential{})
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
