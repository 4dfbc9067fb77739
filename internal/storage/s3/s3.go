// Package s3 provides an S3-compatible storage backend with metrics.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/retry"
	"github.com/fruitsalade/mediastore/internal/storage"
)

// API is the subset of *s3.Client the backend uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner is the subset of *s3.PresignClient the backend uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds S3 connection settings.
type Config struct {
	Endpoint     string             `json:"endpoint"`
	Region       string             `json:"region"`
	Bucket       string             `json:"bucket"`
	PublicBucket string             `json:"public_bucket"`
	AccessKey    string             `json:"access_key"`
	SecretKey    string             `json:"secret_key"`
	UsePathStyle bool               `json:"use_path_style"`
	PublicACL    bool               `json:"public_acl"`
	Encryption   storage.Encryption `json:"encryption"`
	PartSize     int64              `json:"part_size"`
	Concurrency  int                `json:"concurrency"`
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: s3 bucket is required", storage.ErrConfiguration)
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.PartSize == 0 {
		c.PartSize = storage.DefaultPartSize
	}
	if c.PartSize < storage.MinPartSize {
		return fmt.Errorf("%w: part size %d below minimum %d", storage.ErrConfiguration, c.PartSize, storage.MinPartSize)
	}
	if c.Concurrency == 0 {
		c.Concurrency = storage.DefaultPartConcurrency
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: part concurrency must be positive", storage.ErrConfiguration)
	}
	switch c.Encryption.Algorithm {
	case "":
		if c.Encryption.KeyID != "" {
			return fmt.Errorf("%w: kms key id set without aws:kms encryption", storage.ErrConfiguration)
		}
	case string(types.ServerSideEncryptionAes256):
		if c.Encryption.KeyID != "" {
			return fmt.Errorf("%w: kms key id set with AES256 encryption", storage.ErrConfiguration)
		}
	case string(types.ServerSideEncryptionAwsKms):
	default:
		return fmt.Errorf("%w: unknown encryption %q", storage.ErrConfiguration, c.Encryption.Algorithm)
	}
	return nil
}

// S3Backend implements storage.ObjectStore using S3/MinIO.
type S3Backend struct {
	client    API
	presigner Presigner
	cfg       Config
	parts     *sync.Pool

	abortRetry retry.Policy
}

var _ storage.ObjectStore = (*S3Backend)(nil)

// New creates a new S3 backend, building the SDK client from cfg.
func New(ctx context.Context, cfg Config) (*S3Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", storage.ErrConfiguration, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithClient(cfg, client, s3.NewPresignClient(client))
}

// NewWithClient creates a backend around an existing client.
func NewWithClient(cfg Config, client API, presigner Presigner) (*S3Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	partSize := cfg.PartSize
	b := &S3Backend{
		client:    client,
		presigner: presigner,
		cfg:       cfg,
		parts: &sync.Pool{New: func() any {
			buf := make([]byte, partSize)
			return &buf
		}},
		abortRetry: retry.Default,
	}
	logging.Info("s3 backend configured",
		zap.String("bucket", cfg.Bucket),
		zap.String("public_bucket", cfg.PublicBucket),
		zap.String("region", cfg.Region),
		zap.Int64("part_size", cfg.PartSize),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("sse", cfg.Encryption.Enabled()))
	return b, nil
}

func (b *S3Backend) observe(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(storage.TypeS3, op, time.Since(start), err == nil)
}

// bucketFor returns the container that holds objects of visibility v.
func (b *S3Backend) bucketFor(v storage.Visibility) string {
	if v == storage.Public && b.cfg.PublicBucket != "" {
		return b.cfg.PublicBucket
	}
	return b.cfg.Bucket
}

// publicACL reports whether a write of visibility v is marked public-read.
func (b *S3Backend) publicACL(v storage.Visibility) bool {
	return v == storage.Public && b.cfg.PublicBucket == "" && b.cfg.PublicACL
}

func (b *S3Backend) sse() (types.ServerSideEncryption, *string) {
	if !b.cfg.Encryption.Enabled() {
		return "", nil
	}
	var keyID *string
	if b.cfg.Encryption.KeyID != "" {
		keyID = aws.String(b.cfg.Encryption.KeyID)
	}
	return types.ServerSideEncryption(b.cfg.Encryption.Algorithm), keyID
}

// Put uploads content, in one request or as a multipart upload depending on
// the payload.
func (b *S3Backend) Put(ctx context.Context, key string, p storage.Payload, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	strategy := storage.Plan(p, true)
	bucket := b.bucketFor(opts.Visibility)

	body, size, err := p.Open()
	if err != nil {
		return nil, storage.NewBackendError(storage.TypeS3, "put", key, err)
	}
	defer body.Close()

	var n int64
	if strategy == storage.Multipart {
		n, err = b.putMultipart(ctx, bucket, key, body, opts)
	} else {
		n, err = b.putSingle(ctx, bucket, key, body, size, opts)
	}
	metrics.RecordContentUpload(n, strategy.String(), err == nil)
	if err != nil {
		return nil, storage.NewBackendError(storage.TypeS3, "put", key, err)
	}

	logging.Debug("S3 put object",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.String("strategy", strategy.String()),
		zap.Int64("size", n))

	return &storage.ObjectInfo{
		Key:          key,
		Size:         n,
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
	}, nil
}

func (b *S3Backend) putSingle(ctx context.Context, bucket, key string, body io.Reader, size int64, opts storage.PutOptions) (int64, error) {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if b.publicACL(opts.Visibility) {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	input.ServerSideEncryption, input.SSEKMSKeyId = b.sse()

	_, err := b.client.PutObject(ctx, input)
	b.observe("put_object", start, err)
	if err != nil {
		return 0, fmt.Errorf("put object %s: %w", key, classify(err))
	}
	return size, nil
}

// Get retrieves an object, passing any range to the store and the store's
// Content-Length / Content-Range / Accept-Ranges back unmodified.
func (b *S3Backend) Get(ctx context.Context, key string, rng *storage.ByteRange) (*storage.Object, error) {
	obj, err := b.getFrom(ctx, b.cfg.Bucket, key, rng)
	if errors.Is(err, storage.ErrNotFound) && b.cfg.PublicBucket != "" {
		obj, err = b.getFrom(ctx, b.cfg.PublicBucket, key, rng)
	}
	if err != nil {
		return nil, storage.NewBackendError(storage.TypeS3, "get", key, err)
	}
	return obj, nil
}

func (b *S3Backend) getFrom(ctx context.Context, bucket, key string, rng *storage.ByteRange) (*storage.Object, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		input.Range = aws.String(rng.Header())
	}

	result, err := b.client.GetObject(ctx, input)
	b.observe("get_object", start, err)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, classify(err))
	}

	length := aws.ToInt64(result.ContentLength)
	contentRange := aws.ToString(result.ContentRange)
	acceptRanges := aws.ToString(result.AcceptRanges)
	if acceptRanges == "" {
		acceptRanges = storage.AcceptRangesBytes
	}

	return &storage.Object{
		ObjectInfo: storage.ObjectInfo{
			Key:          key,
			Size:         totalSize(contentRange, length),
			ContentType:  aws.ToString(result.ContentType),
			LastModified: aws.ToTime(result.LastModified),
		},
		Body:          result.Body,
		ContentLength: length,
		ContentRange:  contentRange,
		AcceptRanges:  acceptRanges,
	}, nil
}

// totalSize takes the object size from "bytes a-b/N", else the body length.
func totalSize(contentRange string, length int64) int64 {
	if i := strings.LastIndexByte(contentRange, '/'); i >= 0 {
		if n, err := strconv.ParseInt(contentRange[i+1:], 10, 64); err == nil {
			return n
		}
	}
	return length
}

// Stat returns object metadata via HeadObject.
func (b *S3Backend) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	info, err := b.headFrom(ctx, b.cfg.Bucket, key)
	if errors.Is(err, storage.ErrNotFound) && b.cfg.PublicBucket != "" {
		info, err = b.headFrom(ctx, b.cfg.PublicBucket, key)
	}
	if err != nil {
		return nil, storage.NewBackendError(storage.TypeS3, "stat", key, err)
	}
	return info, nil
}

func (b *S3Backend) headFrom(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	start := time.Now()
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	b.observe("head_object", start, err)
	if err != nil {
		return nil, fmt.Errorf("head object %s: %w", key, classify(err))
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		ContentType:  aws.ToString(result.ContentType),
		LastModified: aws.ToTime(result.LastModified),
	}, nil
}

// Delete removes an object from every configured container.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	buckets := []string{b.cfg.Bucket}
	if b.cfg.PublicBucket != "" {
		buckets = append(buckets, b.cfg.PublicBucket)
	}

	var errs []error
	for _, bucket := range buckets {
		start := time.Now()
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		b.observe("delete_object", start, err)
		if err != nil && !errors.Is(classify(err), storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", bucket, key, err))
		}
	}
	if len(errs) > 0 {
		return storage.NewBackendError(storage.TypeS3, "delete", key, errors.Join(errs...))
	}

	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// PresignGet returns a time-limited GET URL for key in the private bucket.
func (b *S3Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	b.observe("presign_get", start, err)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// EndpointURL builds the unsigned URL of key in the container for v.
func (b *S3Backend) EndpointURL(key string, v storage.Visibility) string {
	bucket := b.bucketFor(v)
	if b.cfg.Endpoint == "" {
		return storage.JoinURL(fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, b.cfg.Region), key)
	}
	base := strings.TrimRight(b.cfg.Endpoint, "/")
	if !b.cfg.UsePathStyle {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			u.Host = bucket + "." + u.Host
			return storage.JoinURL(u.String(), key)
		}
	}
	return storage.JoinURL(base+"/"+bucket, key)
}

// HasPublicBucket reports whether a dedicated public bucket is configured.
func (b *S3Backend) HasPublicBucket() bool { return b.cfg.PublicBucket != "" }

// PublicACL reports whether public writes get a public-read ACL.
func (b *S3Backend) PublicACL() bool { return b.cfg.PublicACL }

// Type returns "s3".
func (b *S3Backend) Type() string { return storage.TypeS3 }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
