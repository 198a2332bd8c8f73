package repository

import (
	"context"

	"erp-workflow/pkg/models"
)

// Repository resolves actor identities for authentication and audit display.
type Repository interface {
	// GetActorByEmail returns the actor registered under email, or ErrNotFound.
	GetActorByEmail(ctx context.Context, email string) (*models.Actor, error)
	// CreateActor registers an actor and sets its ID.
	CreateActor(ctx context.Context, actor *models.Actor) error
	// DisplayName returns the display name of an actor id.
	DisplayName(ctx context.Context, id int64) (string, error)
	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
