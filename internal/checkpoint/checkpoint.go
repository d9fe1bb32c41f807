// Package checkpoint persists task progress so tasks resume where they stopped.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"db-pipe/internal/position"
)

// ErrNotFound is returned by Load for tasks that never saved progress.
var ErrNotFound = errors.New("checkpoint: no progress saved")

// Progress is the persisted state of one task.
type Progress struct {
	TaskID    string
	Position  position.Position
	Processed int64
	UpdatedAt time.Time
}

// Store persists progress by task id. Positions are stored in their versioned string form.
type Store interface {
	Load(ctx context.Context, taskID string) (Progress, error)
	Save(ctx context.Context, p Progress) error
	// List returns every saved progress whose task id starts with prefix.
	List(ctx context.Context, prefix string) ([]Progress, error)
	Delete(ctx context.Context, taskID string) error
}

// entry is the serialized form shared by the stores.
type entry struct {
	TaskID    string    `json:"task_id"`
	Position  string    `json:"position"`
	Processed int64     `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toEntry(p Progress) entry {
	return entry{TaskID: p.TaskID, Position: position.Encode(p.Position), Processed: p.Processed, UpdatedAt: p.UpdatedAt.UTC()}
}

func (e entry) progress() (Progress, error) {
	pos, err := position.Decode(e.Position)
	if err != nil {
		return Progress{}, err
	}
	return Progress{TaskID: e.TaskID, Position: pos, Processed: e.Processed, UpdatedAt: e.UpdatedAt}, nil
}
