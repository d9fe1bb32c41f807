package pipeline

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"db-pipe/internal/position"
)

// ErrBenignReconnect means another consumer already owns the replication stream.
// Dumpers treat it as a clean stop, never as a failure.
var ErrBenignReconnect = errors.New("pipeline: replication stream already active")

// DecodeError reports malformed or unsupported binary input.
type DecodeError struct {
	Reason string
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
}

// TransientError wraps an error that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ApplyConflictError is a target rejection that retrying will not fix.
type ApplyConflictError struct {
	Table string
	First position.Position
	Last  position.Position
	Err   error
}

func (e *ApplyConflictError) Error() string {
	return fmt.Sprintf("apply conflict on %s for batch [%v .. %v]: %v", e.Table, e.First, e.Last, e.Err)
}

func (e *ApplyConflictError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: explicit TransientErrors, timeouts,
// broken connections and the retryable error classes of the supported drivers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var de *DecodeError
	var ce *ApplyConflictError
	if errors.As(err, &de) || errors.As(err, &ce) || errors.Is(err, ErrBenignReconnect) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1205, 1213, 2006, 2013, 1040, 1053:
			// lock wait timeout, deadlock, server gone, lost connection, too many connections, shutdown
			return true
		}
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return retryableSQLState(string(pe.Code))
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		return retryableSQLState(pge.Code)
	}
	return false
}

// 08: connection exception, 40: transaction rollback, 53: insufficient resources, 57P: operator intervention
func retryableSQLState(code string) bool {
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "40") ||
		strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P")
}

// IsBenignReconnect recognizes the "stream already owned" replies of both replication protocols:
// PostgreSQL SQLSTATE 55006 (replication slot is active) and MySQL error 1236 for a duplicate server id.
func IsBenignReconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBenignReconnect) {
		return true
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "55006" {
		return true
	}
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "55006" {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "1236") && strings.Contains(msg, "same server") {
		return true
	}
	return strings.Contains(msg, "replication slot") && strings.Contains(msg, "is active")
}
