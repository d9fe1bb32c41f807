package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
)

// Config describes a logical replication client.
type Config struct {
	// DSN must request a replication connection, e.g. "postgres://u:p@host/db?replication=database".
	DSN        string
	Slot       string
	Plugin     Plugin
	PluginArgs []string
	// CreateSlot creates the slot on first use.
	CreateSlot bool

	StandbyTimeout time.Duration
	PollTimeout    time.Duration
}

// Connector opens logical replication streams with pglogrepl.
type Connector struct {
	cfg Config
}

func NewConnector(cfg Config) *Connector {
	if cfg.Plugin == "" {
		cfg.Plugin = TestDecoding
	}
	if cfg.StandbyTimeout <= 0 {
		cfg.StandbyTimeout = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Connector{cfg: cfg}
}

func (c *Connector) connect(ctx context.Context) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(ctx, c.cfg.DSN)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("wal: connect: %w", err))
	}
	return conn, nil
}

// CurrentPosition returns the server's current WAL flush position.
func (c *Connector) CurrentPosition(ctx context.Context) (position.Position, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("wal: identify system: %w", err)
	}
	return position.LSN{Value: uint64(sys.XLogPos)}, nil
}

// Open starts replication from the slot at from. A placeholder lets the server resume at
// the slot's confirmed position.
func (c *Connector) Open(ctx context.Context, from position.Position) (ingest.Stream, error) {
	var start pglogrepl.LSN
	switch p := from.(type) {
	case position.LSN:
		start = pglogrepl.LSN(p.Value)
	case position.Placeholder, nil:
	default:
		return nil, fmt.Errorf("wal: cannot stream from a %s position", from.Kind())
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.CreateSlot {
		if err := c.createSlot(ctx, conn); err != nil {
			conn.Close(context.Background())
			return nil, err
		}
	}
	err = pglogrepl.StartReplication(ctx, conn, c.cfg.Slot, start, pglogrepl.StartReplicationOptions{PluginArgs: c.cfg.PluginArgs})
	if err != nil {
		conn.Close(context.Background())
		return nil, classify(err)
	}
	log.Info().Str("slot", c.cfg.Slot).Str("plugin", string(c.cfg.Plugin)).Stringer("lsn", start).Msg("wal: streaming")
	return &stream{
		conn:           conn,
		poll:           c.cfg.PollTimeout,
		standbyTimeout: c.cfg.StandbyTimeout,
		nextStatus:     time.Now().Add(c.cfg.StandbyTimeout),
	}, nil
}

func (c *Connector) createSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, c.cfg.Slot, string(c.cfg.Plugin), pglogrepl.CreateReplicationSlotOptions{})
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "42710" {
		// duplicate_object: the slot survives restarts
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: create slot %s: %w", c.cfg.Slot, err)
	}
	log.Info().Str("slot", c.cfg.Slot).Msg("wal: replication slot created")
	return nil
}

type stream struct {
	conn           *pgconn.PgConn
	poll           time.Duration
	standbyTimeout time.Duration
	nextStatus     time.Time

	mu    sync.Mutex
	acked pglogrepl.LSN
}

func (s *stream) Next(ctx context.Context) (*ingest.RawEvent, error) {
	deadline := time.Now().Add(s.poll)
	for {
		if time.Now().After(s.nextStatus) {
			if err := s.sendStatus(ctx); err != nil {
				return nil, err
			}
		}
		wait := deadline
		if s.nextStatus.Before(wait) {
			wait = s.nextStatus
		}
		rctx, cancel := context.WithDeadline(ctx, wait)
		msg, err := s.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if pgconn.Timeout(err) {
				if time.Now().Before(deadline) {
					continue
				}
				return nil, ingest.ErrNoEvent
			}
			return nil, classify(err)
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			return nil, classify(pgconn.ErrorResponseToPgError(m))
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					return nil, &pipeline.DecodeError{Reason: "keepalive: " + err.Error()}
				}
				if pkm.ReplyRequested {
					s.nextStatus = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					return nil, &pipeline.DecodeError{Reason: "xlogdata: " + err.Error()}
				}
				// the receive buffer is reused by the next call
				data := append([]byte(nil), xld.WALData...)
				return &ingest.RawEvent{Data: data, Position: position.LSN{Value: uint64(xld.WALStart)}}, nil
			}
		}
	}
}

// Acknowledge records pos as flushed; the next standby status update reports it so the
// server may recycle WAL before it. Safe to call while another goroutine is in Next.
func (s *stream) Acknowledge(ctx context.Context, pos position.Position) error {
	lsn, ok := pos.(position.LSN)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if pglogrepl.LSN(lsn.Value) > s.acked {
		s.acked = pglogrepl.LSN(lsn.Value)
	}
	s.mu.Unlock()
	return nil
}

func (s *stream) sendStatus(ctx context.Context) error {
	s.mu.Lock()
	acked := s.acked
	s.mu.Unlock()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: acked,
		WALFlushPosition: acked,
		WALApplyPosition: acked,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return classify(fmt.Errorf("wal: standby status update: %w", err))
	}
	s.nextStatus = time.Now().Add(s.standbyTimeout)
	return nil
}

func (s *stream) Close() error {
	return s.conn.Close(context.Background())
}

func classify(err error) error {
	if pipeline.IsBenignReconnect(err) {
		return fmt.Errorf("%w: %v", pipeline.ErrBenignReconnect, err)
	}
	if pipeline.IsTransient(err) {
		return err
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		return err
	}
	// connection-level failures from pgconn
	return pipeline.Transient(err)
}
