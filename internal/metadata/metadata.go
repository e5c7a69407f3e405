// Package metadata models the external file-metadata store: the collaborator
// that mints the opaque db_id handle a session carries once a file record is
// created. The relay agent treats it as an out-of-scope dependency, the same
// way it treats the auth store, so this package holds only the narrow
// interface the session store calls through and an in-memory implementation
// suitable for a standalone agent deployment.
package metadata

import (
	"context"

	"github.com/google/uuid"
)

// Store creates file metadata records and returns the handle by which the
// record is addressed downstream.
type Store interface {
	CreateRecord(ctx context.Context, fileID, fileName string, fileSize int64, userID string) (dbID string, err error)
}

// MemoryStore mints a fresh UUID per record and keeps no state beyond that;
// it stands in for a real metadata service in deployments that don't wire
// one up.
type MemoryStore struct{}

// NewMemoryStore returns a Store backed by nothing but uuid generation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) CreateRecord(_ context.Context, _, _ string, _ int64, _ string) (string, error) {
	return uuid.New().String(), nil
}
