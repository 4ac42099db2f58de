// Package creds owns the session authentication material. It is backed by
// whatsmeow's sqlstore on sqlite; the rest of the process never inspects the
// contents, it only relays change notifications into Persist.
package creds

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type Store struct {
	container *sqlstore.Container
	device    *store.Device
	logger    *slog.Logger
}

// Open loads (or initializes) the credential database at path and returns
// the first stored device, creating a blank one when none exists yet.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &Store{container: container, device: device, logger: logger}, nil
}

// Device exposes the stored device for the connector.
func (s *Store) Device() *store.Device {
	return s.device
}

// Paired reports whether the device has completed pairing before.
func (s *Store) Paired() bool {
	return s.device.ID != nil
}

// Persist writes the current authentication material back to disk. Called on
// every credential-change event, regardless of connection state. A device
// that never paired has nothing to save yet.
func (s *Store) Persist(ctx context.Context) error {
	if s.device.ID == nil {
		return nil
	}
	if err := s.device.Save(ctx); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	s.logger.Debug("credentials persisted")
	return nil
}

func (s *Store) Close() error {
	return s.container.Close()
}
