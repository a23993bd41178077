package migrate

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProvider_FindsEmbeddedMigrations(t *testing.T) {
	db, err := sql.Open("pgx", "postgres://nobody@127.0.0.1:1/none")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := newProvider(db)
	require.NoError(t, err)

	sources := p.ListSources()
	require.NotEmpty(t, sources)
	require.EqualValues(t, 1, sources[0].Version)
}
