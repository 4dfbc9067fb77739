// Package content is the entry point for storing and serving uploaded media.
// It normalizes keys, hands writes to the configured backend, serves
// byte-range reads and issues access URLs.
package content

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// Service wires the key normalizer, a backend and the URL signer together.
type Service struct {
	backend storage.Backend
	keys    *storage.KeyNormalizer
	signer  *storage.Signer
}

// New creates a Service.
func New(backend storage.Backend, keys *storage.KeyNormalizer, signer *storage.Signer) *Service {
	return &Service{backend: backend, keys: keys, signer: signer}
}

// Backend returns the underlying backend.
func (s *Service) Backend() storage.Backend { return s.backend }

// NormalizeKey returns the canonical key for raw.
func (s *Service) NormalizeKey(raw string) (string, error) {
	return s.keys.Normalize(raw)
}

// Put stores the request's payload under its normalized key.
func (s *Service) Put(ctx context.Context, req storage.UploadRequest) (*storage.ObjectInfo, error) {
	key, err := s.keys.Normalize(req.Key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	info, err := s.backend.Put(ctx, key, req.Payload, storage.PutOptions{
		ContentType: req.ContentType,
		Visibility:  req.Visibility,
	})
	if err != nil {
		logging.WithContext(ctx).Error("upload failed",
			zap.String("key", key),
			zap.String("backend", s.backend.Type()),
			zap.String("payload", req.Payload.Kind().String()),
			zap.Error(err))
		return nil, err
	}

	logging.WithContext(ctx).Info("object stored",
		zap.String("key", key),
		zap.String("visibility", req.Visibility.String()),
		zap.Int64("size", info.Size),
		zap.Duration("duration", time.Since(start)))
	return info, nil
}

// Read opens key, limited to the byte range in rangeHeader when the header is
// well formed and satisfiable. Any other range header yields the full object
// with no Content-Range.
func (s *Service) Read(ctx context.Context, rawKey, rangeHeader string) (*storage.Object, error) {
	key, err := s.keys.Normalize(rawKey)
	if err != nil {
		return nil, err
	}

	var rng *storage.ByteRange
	if r, ok := storage.ParseRange(rangeHeader); ok {
		rng = &r
	} else if rangeHeader != "" {
		logging.WithContext(ctx).Debug("ignoring malformed range",
			zap.String("key", key),
			zap.String("range", rangeHeader))
	}

	obj, err := s.backend.Get(ctx, key, rng)
	if rng != nil && errors.Is(err, storage.ErrRangeUnsatisfiable) {
		logging.WithContext(ctx).Debug("range not satisfiable, serving full object",
			zap.String("key", key),
			zap.String("range", rangeHeader))
		obj, err = s.backend.Get(ctx, key, nil)
	}
	if err != nil {
		return nil, err
	}
	if obj.AcceptRanges == "" {
		obj.AcceptRanges = storage.AcceptRangesBytes
	}
	return obj, nil
}

// Stat returns object metadata.
func (s *Service) Stat(ctx context.Context, rawKey string) (*storage.ObjectInfo, error) {
	key, err := s.keys.Normalize(rawKey)
	if err != nil {
		return nil, err
	}
	return s.backend.Stat(ctx, key)
}

// Delete removes key. It never fails: storage cleanup follows a primary
// operation that has already happened, so backend errors are logged at warn
// level and counted, then dropped.
func (s *Service) Delete(ctx context.Context, rawKey string) {
	key, err := s.keys.Normalize(rawKey)
	if err != nil {
		logging.WithContext(ctx).Warn("delete skipped: invalid key",
			zap.String("key", rawKey),
			zap.Error(err))
		return
	}

	if err := s.backend.Delete(ctx, key); err != nil {
		metrics.RecordDeleteFailure(s.backend.Type())
		logging.WithContext(ctx).Warn("delete failed, ignoring",
			zap.String("key", key),
			zap.String("backend", s.backend.Type()),
			zap.Error(err))
		return
	}
	logging.WithContext(ctx).Debug("object deleted", zap.String("key", key))
}

// URLFor issues an access capability for key.
func (s *Service) URLFor(ctx context.Context, rawKey string, v storage.Visibility, ttl time.Duration) (*storage.Capability, error) {
	key, err := s.keys.Normalize(rawKey)
	if err != nil {
		return nil, err
	}
	return s.signer.URLFor(ctx, key, v, ttl)
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

