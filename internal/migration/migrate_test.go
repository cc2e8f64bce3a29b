package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsHaveBothDirections(t *testing.T) {
	files, err := fs.Glob(embeddedMigrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, name := range files {
		raw, err := fs.ReadFile(embeddedMigrations, name)
		require.NoError(t, err)
		body := string(raw)
		assert.Contains(t, body, "-- +goose Up", name)
		assert.Contains(t, body, "-- +goose Down", name)
		assert.Less(t, strings.Index(body, "-- +goose Up"), strings.Index(body, "-- +goose Down"), name)
	}
}

// Admins authenticate by token and need not exist in notify.users, so the
// broadcast author is stored without a foreign key.
func TestBroadcastAuthorIsNotTiedToUsers(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, "migrations/00002_create_notification_broadcasts.sql")
	require.NoError(t, err)

	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "created_by") {
			assert.NotContains(t, line, "REFERENCES")
			return
		}
	}
	t.Fatal("created_by column not found")
}
