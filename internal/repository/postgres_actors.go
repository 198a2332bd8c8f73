package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"erp-workflow/internal/apperrors"
	"erp-workflow/pkg/models"
)

// PostgresActorStore is a PostgreSQL implementation of the Repository interface.
type PostgresActorStore struct {
	db *pgxpool.Pool
}

// NewPostgresActorStore creates a new PostgresActorStore.
func NewPostgresActorStore(db *pgxpool.Pool) *PostgresActorStore {
	return &PostgresActorStore{db: db}
}

// GetActorByEmail retrieves an actor by its email, case-insensitively.
func (s *PostgresActorStore) GetActorByEmail(ctx context.Context, email string) (*models.Actor, error) {
	var actor models.Actor
	err := s.db.QueryRow(ctx, "SELECT id, display_name, email FROM actors WHERE lower(email) = lower($1)", strings.TrimSpace(email)).
		Scan(&actor.ID, &actor.DisplayName, &actor.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "actor %s", email)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load actor")
	}
	return &actor, nil
}

// CreateActor inserts an actor. An existing email is reused rather than duplicated.
func (s *PostgresActorStore) CreateActor(ctx context.Context, actor *models.Actor) error {
	err := s.db.QueryRow(ctx, `INSERT INTO actors (display_name, email) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET display_name = actors.display_name
		RETURNING id, display_name`, actor.DisplayName, strings.TrimSpace(actor.Email)).
		Scan(&actor.ID, &actor.DisplayName)
	return errors.Wrap(err, "failed to create actor")
}

// DisplayName returns the display name of an actor.
func (s *PostgresActorStore) DisplayName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, "SELECT display_name FROM actors WHERE id = $1", id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "actor %d", id)
	}
	return name, errors.Wrap(err, "failed to load actor name")
}

// Ping checks the database connection.
func (s *PostgresActorStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
