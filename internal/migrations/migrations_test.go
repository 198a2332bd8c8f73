package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDriverURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", driverURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://u@h/db", driverURL("postgresql://u@h/db"))
	assert.Equal(t, "pgx5://already", driverURL("pgx5://already"))
}

func TestEmbeddedFiles(t *testing.T) {
	entries, err := files.ReadDir("sql")
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}
