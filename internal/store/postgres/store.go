// Package postgres implements store.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/database"
	"fidelya-notifications/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	client *database.PostgresClient
	db     *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(client *database.PostgresClient) *Store {
	return &Store{client: client, db: client.DB}
}

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return apperrors.NewQueryExecutionFailedError("migrate", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return apperrors.NewDatabaseConnectionFailedError(err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func queryErr(op string, err error) error {
	return apperrors.NewQueryExecutionFailedError(op, err)
}
