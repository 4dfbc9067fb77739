package content

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/config"
	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/storage"
	"github.com/fruitsalade/mediastore/internal/storage/cdn"
	"github.com/fruitsalade/mediastore/internal/storage/local"
	s3backend "github.com/fruitsalade/mediastore/internal/storage/s3"
)

// NewBackend creates the storage backend selected by cfg.StorageBackend.
func NewBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case storage.TypeLocal:
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	case storage.TypeS3:
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			PublicBucket: cfg.S3PublicBucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
			PublicACL:    cfg.S3PublicACL,
			Encryption: storage.Encryption{
				Algorithm: cfg.S3SSE,
				KeyID:     cfg.S3KMSKeyID,
			},
			PartSize:    cfg.S3PartSize,
			Concurrency: cfg.S3PartConcurrency,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", storage.ErrConfiguration, cfg.StorageBackend)
	}
}

// NewCDNSigner returns the CDN signer configured in cfg, or nil when CDN
// signing is disabled.
func NewCDNSigner(cfg *config.Config) (storage.CDNSigner, error) {
	if !cfg.CDNEnabled() {
		return nil, nil
	}
	var (
		s   *cdn.Signer
		err error
	)
	if cfg.CDNPrivateKey != "" {
		s, err = cdn.New(cfg.CDNKeyPairID, []byte(cfg.CDNPrivateKey))
	} else {
		s, err = cdn.NewFromFile(cfg.CDNKeyPairID, cfg.CDNPrivateKeyFile)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open builds a Service from configuration.
func Open(ctx context.Context, cfg *config.Config) (*Service, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cdnSigner, err := NewCDNSigner(cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}

	signer := storage.NewSigner(backend, storage.SignerConfig{
		LocalPrefix:   cfg.LocalURLPrefix,
		PublicBaseURL: cfg.PublicBaseURL,
		CDNDomain:     cfg.CDNDomain,
		CDNCategories: cfg.CDNCategories,
		PublicTTL:     cfg.PresignPublicTTL,
		PrivateTTL:    cfg.PresignPrivateTTL,
	}, cdnSigner)
	keys, err := storage.NewKeyNormalizer(cfg.DefaultNamespace, cfg.KeyNamespaces...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	logging.Info("content store opened",
		zap.String("backend", backend.Type()),
		zap.Bool("cdn_signing", cdnSigner != nil),
		zap.String("default_namespace", cfg.DefaultNamespace))
	return New(backend, keys, signer), nil
}
