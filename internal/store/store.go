// Package store persists checkpoint and terminal-state records. Records are
// append-only: a key is written once and never overwritten.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("record key already exists")
)

const (
	KindCheckpoint = "checkpoint"
	KindTerminal   = "terminal"
)

type Record struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	MissionID string    `json:"mission_id"`
	CreatedAt time.Time `json:"created_at"`
	Data      []byte    `json:"data"`
}

// Key builds the `{mission_id}-{timestamp}` record key.
func Key(missionID string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%d", missionID, createdAt.UnixNano())
}

type Store interface {
	Append(ctx context.Context, rec Record) error
	// List returns the records of one kind for a mission, oldest first. An
	// empty missionID lists every mission.
	List(ctx context.Context, kind, missionID string) ([]Record, error)
	Get(ctx context.Context, kind, key string) (Record, error)
	Close() error
}

// Open picks a Store implementation by driver name: "memory", "file" or
// "sqlite".
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if path == "" {
			return nil, fmt.Errorf("file store needs a directory path")
		}
		return NewFileStore(path)
	case "sqlite":
		if path == "" {
			return nil, fmt.Errorf("sqlite store needs a database path")
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func validate(rec Record) error {
	if rec.Key == "" || rec.Kind == "" {
		return fmt.Errorf("record needs both key and kind")
	}
	if strings.ContainsAny(rec.Key, `/\`) || strings.ContainsAny(rec.Kind, `/\`) {
		return fmt.Errorf("record key %q or kind %q contains a path separator", rec.Key, rec.Kind)
	}
	return nil
}
