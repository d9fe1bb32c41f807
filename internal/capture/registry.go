// Package capture selects the replication connector and decoder of a source dialect.
package capture

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"db-pipe/internal/binlog"
	"db-pipe/internal/ingest"
	"db-pipe/internal/schema"
	"db-pipe/internal/wal"
)

// Replication holds the replication settings of a source database.
type Replication struct {
	ServerID   uint32        `mapstructure:"server_id"`
	Flavor     string        `mapstructure:"flavor"`
	Slot       string        `mapstructure:"slot"`
	Plugin     string        `mapstructure:"plugin"`
	PluginArgs []string      `mapstructure:"plugin_args"`
	CreateSlot bool          `mapstructure:"create_slot"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	// DSN overrides the replication connection string derived from the source DSN.
	DSN string `mapstructure:"dsn"`
}

// Source is everything a factory needs to capture changes from one database.
type Source struct {
	Driver      string
	DSN         string
	Replication Replication
	Loader      schema.Loader
	// InScope reports whether changes of an actual table are wanted. Nil keeps everything.
	InScope func(table string) bool
}

// Factory builds the connector and decoder for a source.
type Factory func(src Source) (ingest.Connector, ingest.Decoder, error)

// Registry maps source drivers to capture factories. Build it with NewRegistry and pass it to
// whatever constructs incremental tasks.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(MySQL, "mysql", "mariadb")
	r.Register(PostgreSQL, "postgres", "postgresql", "pgx")
	r.Register(OpenGauss, "opengauss")
	return r
}

func (r *Registry) Register(f Factory, drivers ...string) {
	for _, d := range drivers {
		r.factories[strings.ToLower(d)] = f
	}
}

// Open builds the connector and decoder for src.
func (r *Registry) Open(src Source) (ingest.Connector, ingest.Decoder, error) {
	f, ok := r.factories[strings.ToLower(src.Driver)]
	if !ok {
		return nil, nil, fmt.Errorf("capture: no change capture for driver %q (supported: %s)", src.Driver, strings.Join(r.Drivers(), ", "))
	}
	return f(src)
}

func (r *Registry) Drivers() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MySQL tails the row-based binlog. Credentials come from the go-sql-driver DSN of the source.
func MySQL(src Source) (ingest.Connector, ingest.Decoder, error) {
	cfg, err := mysql.ParseDSN(src.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("capture: parse mysql dsn: %w", err)
	}
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host, portStr = cfg.Addr, "3306"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("capture: mysql port %q: %w", portStr, err)
	}
	if src.Replication.ServerID == 0 {
		return nil, nil, fmt.Errorf("capture: mysql replication requires replication.server_id")
	}
	conn := binlog.NewConnector(binlog.Config{
		Host:            host,
		Port:            uint16(port),
		User:            cfg.User,
		Password:        cfg.Passwd,
		ServerID:        src.Replication.ServerID,
		Flavor:          src.Replication.Flavor,
		HeartbeatPeriod: src.Replication.Heartbeat,
	})
	var opts []binlog.Option
	if src.InScope != nil {
		opts = append(opts, binlog.WithTableFilter(src.InScope))
	}
	return conn, binlog.NewDecoder(src.Loader, opts...), nil
}

// PostgreSQL streams test_decoding output from a logical replication slot.
func PostgreSQL(src Source) (ingest.Connector, ingest.Decoder, error) {
	return logical(src, wal.TestDecoding)
}

// OpenGauss streams mppdb_decoding output from a logical replication slot.
func OpenGauss(src Source) (ingest.Connector, ingest.Decoder, error) {
	return logical(src, wal.MppdbDecoding)
}

func logical(src Source, plugin wal.Plugin) (ingest.Connector, ingest.Decoder, error) {
	rep := src.Replication
	if rep.Plugin != "" {
		plugin = wal.Plugin(rep.Plugin)
	}
	if rep.Slot == "" {
		return nil, nil, fmt.Errorf("capture: logical replication requires replication.slot")
	}
	dsn := rep.DSN
	if dsn == "" {
		var err error
		if dsn, err = replicationDSN(src.DSN); err != nil {
			return nil, nil, err
		}
	}
	var opts []wal.Option
	if src.InScope != nil {
		opts = append(opts, wal.WithTableFilter(src.InScope))
	}
	dec, err := wal.NewDecoder(plugin, src.Loader, opts...)
	if err != nil {
		return nil, nil, err
	}
	conn := wal.NewConnector(wal.Config{
		DSN:        dsn,
		Slot:       rep.Slot,
		Plugin:     plugin,
		PluginArgs: rep.PluginArgs,
		CreateSlot: rep.CreateSlot,
	})
	return conn, dec, nil
}

// replicationDSN adds replication=database to a URL or keyword/value connection string.
func replicationDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("capture: parse postgres dsn: %w", err)
		}
		q := u.Query()
		q.Set("replication", "database")
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if strings.Contains(dsn, "replication=") {
		return dsn, nil
	}
	return strings.TrimSpace(dsn + " replication=database"), nil
}
