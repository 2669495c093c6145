// Package storage archives finished recordings to local disk, an
// S3-compatible bucket, or both.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound   = errors.New("recording not found")
	ErrInvalidKey = errors.New("invalid archive key")
)

// AudioStore is an archive backend. Keys are slash-separated, in the form
// YYYY-MM-DD/{session}.wav.
type AudioStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	// Open returns an error wrapping ErrNotFound for a missing key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) bool
	// Type is "local", "s3" or "tiered".
	Type() string
}

// S3Options configures the S3 backend. A non-empty Endpoint selects
// path-style addressing for MinIO and similar stores.
type S3Options struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

func (o S3Options) Enabled() bool { return o.Bucket != "" }

type Options struct {
	Dir string
	S3  S3Options
}

// BackgroundService is a loop started after wiring and stopped on shutdown.
type BackgroundService interface {
	Start()
	Stop()
}

const s3CheckTimeout = 10 * time.Second

// New picks the backend from opts:
//
//	Dir only     local
//	S3 only      s3
//	both         tiered, with an UploadReconciler service
//	neither      nil (archiving disabled)
//
// A configured bucket that cannot be reached is a startup error.
func New(ctx context.Context, opts Options, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	if !opts.S3.Enabled() {
		if opts.Dir == "" {
			return nil, nil, nil
		}
		log.Info().Str("dir", opts.Dir).Msg("archiving recordings to local disk")
		return NewLocalStore(opts.Dir), nil, nil
	}

	remote, err := NewS3Store(ctx, opts.S3, log)
	if err != nil {
		return nil, nil, err
	}
	checkCtx, cancel := context.WithTimeout(ctx, s3CheckTimeout)
	defer cancel()
	if err := remote.Check(checkCtx); err != nil {
		return nil, nil, fmt.Errorf("s3 startup check (endpoint %q): %w", opts.S3.Endpoint, err)
	}
	log.Info().Str("bucket", opts.S3.Bucket).Str("endpoint", opts.S3.Endpoint).Msg("s3 bucket reachable")

	if opts.Dir == "" {
		return remote, nil, nil
	}
	local := NewLocalStore(opts.Dir)
	return NewTieredStore(local, remote, log),
		[]BackgroundService{NewUploadReconciler(local, remote, log)},
		nil
}
