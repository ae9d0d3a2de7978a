package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/triage/internal/platform/filestore"
	"github.com/rs/zerolog"
)

// Store persists the queue document. Load returns ErrStoreEmpty or
// ErrStoreCorrupt (possibly wrapped) for the cases callers heal from.
// Save must replace the document atomically and keep the previous valid
// document as a backup on a best-effort basis. A previous document that
// does not decode is never discarded: Save keeps its bytes in quarantine or
// fails. Restore returns ErrNoBackup
// when there is nothing to restore.
type Store interface {
	Load(ctx context.Context) (QueueState, error)
	Save(ctx context.Context, st QueueState) error
	Restore(ctx context.Context) (QueueState, error)
	BackupExists(ctx context.Context) (bool, error)
	// Quarantined lists undecodable documents set aside before an overwrite.
	Quarantined(ctx context.Context) ([]string, error)
	// Location names the backing store for status reports.
	Location() string
}

// FileStore keeps the queue as a JSON file with a sibling backup.
type FileStore struct {
	file *filestore.File
}

// NewFileStore keeps the queue at path. Extra options, such as
// filestore.WithPerm, are applied after the queue's own validator and logger.
func NewFileStore(path string, logger zerolog.Logger, opts ...filestore.Option) *FileStore {
	opts = append([]filestore.Option{
		filestore.WithValidator(validDocument),
		filestore.WithLogger(logger),
	}, opts...)
	return &FileStore{file: filestore.New(path, opts...)}
}

func (s *FileStore) Load(ctx context.Context) (QueueState, error) {
	data, err := s.file.Read(ctx)
	if errors.Is(err, filestore.ErrNotExist) {
		return QueueState{}, ErrStoreEmpty
	}
	if err != nil {
		return QueueState{}, err
	}
	return decodeState(data)
}

func (s *FileStore) Save(ctx context.Context, st QueueState) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	return s.file.Write(ctx, data)
}

func (s *FileStore) Restore(ctx context.Context) (QueueState, error) {
	data, err := s.file.Restore(ctx)
	if errors.Is(err, filestore.ErrNotExist) {
		return QueueState{}, ErrNoBackup
	}
	if errors.Is(err, filestore.ErrInvalid) {
		return QueueState{}, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if err != nil {
		return QueueState{}, err
	}
	return decodeState(data)
}

func (s *FileStore) BackupExists(_ context.Context) (bool, error) {
	return s.file.BackupExists()
}

func (s *FileStore) Quarantined(_ context.Context) ([]string, error) {
	return s.file.Quarantined()
}

func (s *FileStore) Location() string { return s.file.Path() }
