package config

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "esb://localhost:2200/esb", cfg.Transport.Endpoint)
	assert.Equal(t, 4, cfg.Transport.ThreadCount)
	assert.Equal(t, 5, cfg.Transport.Retries)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "none", cfg.Relay.Kind)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ESB_ENDPOINT", "esb://bus.internal:4100/orders")
	t.Setenv("ESB_THREADS", "8")
	t.Setenv("ESB_ISOLATION", "read-committed")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "esb://bus.internal:4100/orders", cfg.Transport.Endpoint)
	assert.Equal(t, 8, cfg.Transport.ThreadCount)
	assert.Equal(t, sql.LevelReadCommitted, cfg.Transport.Isolation())
}

func TestValidate(t *testing.T) {
	t.Run("Server driver requires password", func(t *testing.T) {
		t.Setenv("ESB_DB_DRIVER", "mysql")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("Unknown driver", func(t *testing.T) {
		t.Setenv("ESB_DB_DRIVER", "oracle")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("Unknown relay kind", func(t *testing.T) {
		t.Setenv("ESB_RELAY", "carrier-pigeon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("Invalid isolation level", func(t *testing.T) {
		t.Setenv("ESB_ISOLATION", "chaotic")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestGetDSN(t *testing.T) {
	mysql := DatabaseConfig{
		Driver: "mysql", Host: "db.internal", Port: 3306,
		User: "esb", Password: "secret", Database: "esb",
	}
	assert.Equal(t, "esb:secret@tcp(db.internal:3306)/esb?parseTime=true", mysql.GetDSN())

	pg := DatabaseConfig{
		Driver: "postgres", Host: "db.internal", Port: 5432,
		User: "esb", Password: "secret", Database: "esb",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=esb password=secret dbname=esb sslmode=disable",
		pg.GetDSN())

	sqlite := DatabaseConfig{Driver: "sqlite3"}
	assert.Empty(t, sqlite.GetDSN())
}
