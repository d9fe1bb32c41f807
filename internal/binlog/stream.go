package binlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/rs/zerolog/log"

	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
)

// Config describes a MySQL replication client.
type Config struct {
	Host     string
	Port     uint16
	User     string
	Password string
	// ServerID must be unique among the replicas of the source.
	ServerID uint32
	Flavor   string // mysql or mariadb

	HeartbeatPeriod time.Duration
	ReadTimeout     time.Duration
	// PollTimeout bounds one Next call before it reports ingest.ErrNoEvent.
	PollTimeout time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Connector opens raw binlog streams with go-mysql's replication client.
type Connector struct {
	cfg Config
}

func NewConnector(cfg Config) *Connector {
	if cfg.Flavor == "" {
		cfg.Flavor = mysql.MySQLFlavor
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 30 * time.Second
	}
	return &Connector{cfg: cfg}
}

// CurrentPosition returns the source's current binlog coordinates.
func (c *Connector) CurrentPosition(ctx context.Context) (position.Position, error) {
	conn, err := client.Connect(c.cfg.addr(), c.cfg.User, c.cfg.Password, "")
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("binlog: connect to %s: %w", c.cfg.addr(), err))
	}
	defer conn.Close()

	res, err := conn.Execute("SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 removed the old spelling
		res, err = conn.Execute("SHOW BINARY LOG STATUS")
	}
	if err != nil {
		return nil, fmt.Errorf("binlog: read master status: %w", err)
	}
	if res.RowNumber() == 0 {
		return nil, errors.New("binlog: binary logging is disabled on the source")
	}
	file, err := res.GetString(0, 0)
	if err != nil {
		return nil, err
	}
	offset, err := res.GetInt(0, 1)
	if err != nil {
		return nil, err
	}
	return position.LogSequence{File: file, Offset: uint64(offset)}, nil
}

// Open starts a raw-mode binlog dump at from. A placeholder starts at the current position.
func (c *Connector) Open(ctx context.Context, from position.Position) (ingest.Stream, error) {
	var start position.LogSequence
	switch p := from.(type) {
	case position.LogSequence:
		start = p
	case position.Placeholder, nil:
		cur, err := c.CurrentPosition(ctx)
		if err != nil {
			return nil, err
		}
		start = cur.(position.LogSequence)
	default:
		return nil, fmt.Errorf("binlog: cannot stream from a %s position", from.Kind())
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        c.cfg.ServerID,
		Flavor:          c.cfg.Flavor,
		Host:            c.cfg.Host,
		Port:            c.cfg.Port,
		User:            c.cfg.User,
		Password:        c.cfg.Password,
		RawModeEnabled:  true,
		HeartbeatPeriod: c.cfg.HeartbeatPeriod,
		ReadTimeout:     c.cfg.ReadTimeout,
	})
	streamer, err := syncer.StartSync(mysql.Position{Name: start.File, Pos: uint32(start.Offset)})
	if err != nil {
		syncer.Close()
		return nil, classify(err)
	}
	log.Info().Str("file", start.File).Uint64("offset", start.Offset).Uint32("server_id", c.cfg.ServerID).Msg("binlog: streaming")
	return &stream{syncer: syncer, streamer: streamer, poll: c.cfg.PollTimeout}, nil
}

type stream struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	poll     time.Duration
}

func (s *stream) Next(ctx context.Context) (*ingest.RawEvent, error) {
	pctx, cancel := context.WithTimeout(ctx, s.poll)
	defer cancel()
	ev, err := s.streamer.GetEvent(pctx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ingest.ErrNoEvent
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return &ingest.RawEvent{Data: ev.RawData}, nil
}

func (s *stream) Close() error {
	s.syncer.Close()
	return nil
}

// classify maps replication errors onto the pipeline taxonomy.
func classify(err error) error {
	if pipeline.IsBenignReconnect(err) {
		return fmt.Errorf("%w: %v", pipeline.ErrBenignReconnect, err)
	}
	var me *mysql.MyError
	if errors.As(err, &me) {
		switch me.Code {
		case mysql.ER_MASTER_FATAL_ERROR_READING_BINLOG, mysql.ER_ACCESS_DENIED_ERROR:
			return err
		}
	}
	return pipeline.Transient(err)
}
