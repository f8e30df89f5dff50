// Package credentials resolves per-user exchange API keys. Decryption
// happens upstream; this layer only knows whether keys exist.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotConfigured is returned when a user has no exchange credentials.
// Callers treat it as a configuration error, never retried.
var ErrNotConfigured = errors.New("exchange credentials not configured")

type Keys struct {
	APIKey    string `db:"api_key"`
	APISecret string `db:"api_secret"`
}

const _queryKeys = "SELECT api_key, api_secret FROM exchange_credentials WHERE user_id = $1"

type Service struct {
	db *sqlx.DB
}

func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Resolve(ctx context.Context, userID int64) (Keys, error) {
	var keys Keys
	if err := s.db.GetContext(ctx, &keys, _queryKeys, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Keys{}, fmt.Errorf("%w: user %d", ErrNotConfigured, userID)
		}
		return Keys{}, fmt.Errorf("%w: can't query credentials", err)
	}

	if keys.APIKey == "" || keys.APISecret == "" {
		return Keys{}, fmt.Errorf("%w: user %d has empty keys", ErrNotConfigured, userID)
	}

	return keys, nil
}
