// Package store defines the minimal persistence contract the core depends
// on: a key/value namespace for lots and instrument mappings plus an
// append-only event log. Schema migration and file-path concerns stay in
// the implementations.
package store

import (
	"context"
	"time"
)

type EventRecord struct {
	ID         string
	Type       string
	StrategyID string
	Symbol     string
	Payload    []byte
	CreatedAt  time.Time
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns every key/value pair under prefix.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	AppendEvent(ctx context.Context, evt EventRecord) error
	LoadEvents(ctx context.Context, since time.Time, limit int) ([]EventRecord, error)

	Close() error
}
