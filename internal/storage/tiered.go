package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// TieredStore writes to local disk first and copies to a backup store. Reads
// prefer local disk and pull misses back from the backup.
type TieredStore struct {
	local  *LocalStore
	backup AudioStore
	log    zerolog.Logger
}

func NewTieredStore(local *LocalStore, backup AudioStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:  local,
		backup: backup,
		log:    log.With().Str("component", "tiered-store").Str("backup", backup.Type()).Logger(),
	}
}

// Save fails only when the local write fails. A failed backup copy is left
// for the UploadReconciler.
func (s *TieredStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.local.Save(ctx, key, data, contentType); err != nil {
		return err
	}
	if err := s.backup.Save(ctx, key, data, contentType); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("backup copy failed, will retry")
	}
	return nil
}

func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	remote, err := s.backup.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer remote.Close()

	data, err := io.ReadAll(remote)
	if err != nil {
		return nil, err
	}
	if err := s.local.Save(ctx, key, data, contentTypeFromExt(key)); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("could not restore recording to local disk")
	} else {
		s.log.Debug().Str("key", key).Msg("recording restored from backup")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	return s.local.Exists(ctx, key) || s.backup.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
