package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prices.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Conn().Exec(`CREATE TABLE daily_prices (symbol TEXT, date TEXT, close REAL)`)
	require.NoError(t, err)
	assert.Equal(t, path, db.Path())
}

func TestOpen_InMemoryURI(t *testing.T) {
	db, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Conn().Ping())
}

func TestOpen_WALMode(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.Conn().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}
