package ingest

import (
	"context"
	"errors"

	"db-pipe/internal/position"
	"db-pipe/internal/record"
)

// ErrNoEvent is returned by Stream.Next when nothing arrived within the poll timeout.
var ErrNoEvent = errors.New("ingest: no event available")

// RawEvent is one undecoded replication message. Position is set by streams that know it
// (WAL); binlog events carry theirs in the event header.
type RawEvent struct {
	Data     []byte
	Position position.Position
}

// Stream delivers raw replication events in log order.
type Stream interface {
	Next(ctx context.Context) (*RawEvent, error)
	Close() error
}

// Acknowledger is implemented by streams that report durable progress back to the server.
type Acknowledger interface {
	Acknowledge(ctx context.Context, pos position.Position) error
}

// Connector opens replication streams against one source.
type Connector interface {
	// Open starts streaming at from. Placeholder starts at the current end of the log.
	Open(ctx context.Context, from position.Position) (Stream, error)
	// CurrentPosition returns the end of the log, recorded before an inventory snapshot.
	CurrentPosition(ctx context.Context) (position.Position, error)
}

// Decoder turns one raw event into zero or more records.
type Decoder interface {
	Decode(ctx context.Context, ev *RawEvent) ([]record.Record, error)
}

// Seeker is implemented by stateful decoders that must be told where a reopened stream starts.
type Seeker interface {
	Seek(pos position.Position) error
}

// Dumper produces records into a channel until its input is exhausted or it is stopped.
type Dumper interface {
	Run(ctx context.Context, from position.Position) error
	Stop()
}
