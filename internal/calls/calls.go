// Package calls persists normalized call events and maps provider phone
// numbers and provider account ids to tenant accounts.
package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/voxline/services/backend/internal/models"
)

var (
	ErrNumberNotFound          = errors.New("phone number not assigned to an account")
	ErrProviderAccountNotFound = errors.New("provider account not assigned to an account")
	ErrNoDatabase              = errors.New("database not configured")
)

// Resolver maps a phone number owned by a tenant to its account id.
type Resolver interface {
	ResolveAccount(ctx context.Context, number string) (string, error)
}

// ProviderAccountResolver maps a provider-side account id, such as a
// Twilio AccountSid, to the tenant account it belongs to.
type ProviderAccountResolver interface {
	ResolveProviderAccount(ctx context.Context, provider, providerAccountID string) (string, error)
}

// Store is the Postgres-backed call event log. A Store with a nil db
// records nothing and resolves nothing.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends the event to the call_events log.
func (s *Store) Record(ctx context.Context, evt models.CallEvent) error {
	if s == nil || s.db == nil {
		return nil
	}

	query := `
		INSERT INTO call_events (id, external_call_id, account_id, provider, direction, status, from_number, to_number, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		evt.ID, evt.ExternalCallID, evt.AccountID, evt.Provider, string(evt.Direction),
		string(evt.Status), nullString(evt.From), nullString(evt.To), evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record call event: %w", err)
	}
	return nil
}

// ResolveAccount looks up the account owning number.
func (s *Store) ResolveAccount(ctx context.Context, number string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrNoDatabase
	}

	number = NormalizeNumber(number)
	if number == "" {
		return "", ErrNumberNotFound
	}

	var accountID string
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id FROM phone_numbers WHERE number = $1", number,
	).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrNumberNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve phone number: %w", err)
	}
	return accountID, nil
}

// ResolveProviderAccount looks up the tenant owning a provider account.
func (s *Store) ResolveProviderAccount(ctx context.Context, provider, providerAccountID string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrNoDatabase
	}

	providerAccountID = strings.TrimSpace(providerAccountID)
	if providerAccountID == "" {
		return "", ErrProviderAccountNotFound
	}

	var accountID string
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id FROM provider_accounts WHERE provider = $1 AND provider_account_id = $2",
		provider, providerAccountID,
	).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrProviderAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve provider account: %w", err)
	}
	return accountID, nil
}

// NormalizeNumber strips formatting so "+1 (555) 010-2000" and
// "+15550102000" compare equal.
func NormalizeNumber(number string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StaticResolver resolves from a fixed table. Numbers are keyed as is,
// provider accounts as "provider:id".
type StaticResolver map[string]string

func (r StaticResolver) ResolveAccount(_ context.Context, number string) (string, error) {
	if accountID, ok := r[NormalizeNumber(number)]; ok {
		return accountID, nil
	}
	return "", ErrNumberNotFound
}

func (r StaticResolver) ResolveProviderAccount(_ context.Context, provider, providerAccountID string) (string, error) {
	if accountID, ok := r[provider+":"+strings.TrimSpace(providerAccountID)]; ok {
		return accountID, nil
	}
	return "", ErrProviderAccountNotFound
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
