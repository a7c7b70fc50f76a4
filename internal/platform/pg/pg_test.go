package pg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, int32(8), c.MaxConns)
	assert.Equal(t, 5*time.Second, c.ConnectTimeout)

	c = Config{MaxConns: 2, ConnectTimeout: time.Second}.withDefaults()
	assert.Equal(t, int32(2), c.MaxConns)
	assert.Equal(t, time.Second, c.ConnectTimeout)
}

func TestConnect_BadDSN(t *testing.T) {
	_, _, err := Connect(context.Background(), Config{DSN: "postgres://u:p@host:notaport/db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse dsn")
}

func TestMigrate_NoScripts(t *testing.T) {
	_, err := Migrate("postgres://localhost/db", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema scripts")
}

func TestProbe_NoPool(t *testing.T) {
	err := Probe(context.Background(), nil, "kv_entries")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pool")
}
