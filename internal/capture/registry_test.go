package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-pipe/internal/binlog"
	"db-pipe/internal/wal"
)

func TestRegistrySelectsDecoderByDriver(t *testing.T) {
	r := NewRegistry()

	conn, dec, err := r.Open(Source{
		Driver:      "mysql",
		DSN:         "repl:secret@tcp(10.0.0.5:3307)/shop?parseTime=true",
		Replication: Replication{ServerID: 1001},
	})
	require.NoError(t, err)
	assert.IsType(t, &binlog.Connector{}, conn)
	assert.IsType(t, &binlog.Decoder{}, dec)

	conn, dec, err = r.Open(Source{
		Driver:      "postgres",
		DSN:         "postgres://u:p@localhost:5432/shop?sslmode=disable",
		Replication: Replication{Slot: "pipe"},
	})
	require.NoError(t, err)
	assert.IsType(t, &wal.Connector{}, conn)
	assert.IsType(t, &wal.Decoder{}, dec)

	_, _, err = r.Open(Source{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opengauss")
}

func TestRegistryRequiresReplicationSettings(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Open(Source{Driver: "mysql", DSN: "u:p@tcp(localhost:3306)/db"})
	require.Error(t, err)
	_, _, err = r.Open(Source{Driver: "opengauss", DSN: "host=localhost dbname=db"})
	require.Error(t, err)
}

func TestReplicationDSN(t *testing.T) {
	dsn, err := replicationDSN("postgres://u:p@localhost:5432/shop?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/shop?replication=database&sslmode=disable", dsn)

	dsn, err = replicationDSN("host=localhost dbname=shop")
	require.NoError(t, err)
	assert.Equal(t, "host=localhost dbname=shop replication=database", dsn)
}
