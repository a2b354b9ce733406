package postgres

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/sbmarket?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "sbmarket"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestListClause(t *testing.T) {
	since := time.Unix(100, 0)
	q, args := listClause("SELECT 1 FROM submissions WHERE account = $1", []any{"ADDR"},
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t,
		"SELECT 1 FROM submissions WHERE account = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"ADDR", since, 10, 20}, args)

	q, args = listClause("SELECT 1 FROM audit_log WHERE 1=1", nil, domain.ListOpts{})
	assert.Equal(t, "SELECT 1 FROM audit_log WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"001_submissions.sql", "002_audit_log.sql"}, names)
}
