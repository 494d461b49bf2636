// Package store persists per-user attendance documents and pushes changes
// to subscribers.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"classattend/internal/attendance"
	"classattend/internal/notify"
)

// Backend loads and saves whole documents.
type Backend interface {
	Load(ctx context.Context, userID string) (attendance.Document, error)
	Save(ctx context.Context, userID string, doc attendance.Document) error
	Ping(ctx context.Context) error
	Close() error
}

// OpenBackend picks a backend by name: "postgres", "sqlite" or "memory".
func OpenBackend(ctx context.Context, kind, databaseURL, sqlitePath string) (Backend, error) {
	switch kind {
	case "postgres":
		return OpenPostgres(ctx, databaseURL)
	case "sqlite":
		return OpenSQLite(ctx, sqlitePath)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// Gateway is the attendance.Gateway over a Backend and a Notifier.
type Gateway struct {
	backend  Backend
	notifier notify.Notifier
}

var _ attendance.Gateway = (*Gateway)(nil)

// NewGateway wires a backend to a change notifier.
func NewGateway(backend Backend, notifier notify.Notifier) *Gateway {
	return &Gateway{backend: backend, notifier: notifier}
}

// Get returns the stored document.
func (g *Gateway) Get(ctx context.Context, userID string) (attendance.Document, error) {
	return g.backend.Load(ctx, userID)
}

// Put replaces the stored document and announces the change. A failed
// announcement is logged; the write itself already succeeded.
func (g *Gateway) Put(ctx context.Context, userID string, doc attendance.Document) error {
	if err := g.backend.Save(ctx, userID, doc); err != nil {
		return err
	}
	if err := g.notifier.Publish(ctx, userID); err != nil {
		log.Printf("publish change for user %s failed: %v", userID, err)
	}
	return nil
}

// Subscribe pushes the current document right away and again after every
// change, until ctx is done.
func (g *Gateway) Subscribe(ctx context.Context, userID string) (<-chan attendance.Snapshot, error) {
	signals, err := g.notifier.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan attendance.Snapshot, 1)
	go func() {
		defer close(out)
		push := func() bool {
			doc, err := g.backend.Load(ctx, userID)
			var snap attendance.Snapshot
			switch {
			case errors.Is(err, attendance.ErrNotFound):
				snap = attendance.Snapshot{}
			case err != nil:
				if ctx.Err() != nil {
					return false
				}
				log.Printf("reload document for user %s failed: %v", userID, err)
				return true
			default:
				snap = attendance.Snapshot{Document: doc, Found: true}
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !push() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok || !push() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks the backend.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.backend.Ping(ctx)
}
