package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
	"github.com/fruitsalade/mediastore/internal/retry"
	"github.com/fruitsalade/mediastore/internal/storage"
)

const abortTimeout = 30 * time.Second

// putMultipart streams body to key in fixed-size parts with bounded
// concurrency. On any failure the upload is aborted so no object appears
// under key. Bodies that fit in a single part are written with one PutObject.
func (b *S3Backend) putMultipart(ctx context.Context, bucket, key string, body io.Reader, opts storage.PutOptions) (int64, error) {
	first, n, err := b.readPart(body)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	if n < b.cfg.PartSize {
		defer b.releasePart(first)
		return b.putSingle(ctx, bucket, key, bytes.NewReader((*first)[:n]), n, opts)
	}

	create := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if opts.ContentType != "" {
		create.ContentType = aws.String(opts.ContentType)
	}
	if b.publicACL(opts.Visibility) {
		create.ACL = types.ObjectCannedACLPublicRead
	}
	create.ServerSideEncryption, create.SSEKMSKeyId = b.sse()

	start := time.Now()
	out, err := b.client.CreateMultipartUpload(ctx, create)
	b.observe("create_multipart_upload", start, err)
	if err != nil {
		b.releasePart(first)
		return 0, fmt.Errorf("create multipart upload %s: %w", key, classify(err))
	}
	uploadID := aws.ToString(out.UploadId)

	parts, total, err := b.uploadParts(ctx, bucket, key, uploadID, body, first, n)
	if err == nil {
		start = time.Now()
		_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		b.observe("complete_multipart_upload", start, err)
	}
	if err != nil {
		b.abort(ctx, bucket, key, uploadID, err)
		return 0, fmt.Errorf("%w: %s: %w", storage.ErrUploadAborted, key, err)
	}

	logging.Debug("multipart upload completed",
		zap.String("key", key),
		zap.Int("parts", len(parts)),
		zap.Int64("size", total))
	return total, nil
}

// uploadParts sends first and every following part of body. At most
// Concurrency parts are in flight, so at most Concurrency+1 part buffers are
// held at once.
func (b *S3Backend) uploadParts(ctx context.Context, bucket, key, uploadID string, body io.Reader, first *[]byte, firstN int64) ([]types.CompletedPart, int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	var (
		mu        sync.Mutex
		completed []types.CompletedPart
		total     int64
		readErr   error
	)

	buf, n := first, firstN
	for partNum := int32(1); ; partNum++ {
		num, data, size := partNum, buf, n
		total += size
		g.Go(func() error {
			defer b.releasePart(data)
			etag, err := b.uploadPart(gctx, bucket, key, uploadID, num, (*data)[:size])
			metrics.RecordMultipartPart(err == nil)
			if err != nil {
				return fmt.Errorf("part %d: %w", num, err)
			}
			mu.Lock()
			completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(num)})
			mu.Unlock()
			return nil
		})

		if size < b.cfg.PartSize || gctx.Err() != nil {
			break
		}
		buf, n, readErr = b.readPart(body)
		if readErr != nil {
			break
		}
		if n == 0 {
			b.releasePart(buf)
			break
		}
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	if readErr != nil {
		return nil, 0, fmt.Errorf("read %s: %w", key, readErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})
	return completed, total, nil
}

func (b *S3Backend) uploadPart(ctx context.Context, bucket, key, uploadID string, num int32, data []byte) (*string, error) {
	start := time.Now()
	out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(num),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	b.observe("upload_part", start, err)
	if err != nil {
		return nil, classify(err)
	}
	return out.ETag, nil
}

// abort discards uploaded parts, retrying transient failures. It runs
// detached from ctx so an abandoned caller still cleans up.
func (b *S3Backend) abort(ctx context.Context, bucket, key, uploadID string, cause error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	err := retry.Do(actx, b.abortRetry, func(ctx context.Context) error {
		start := time.Now()
		_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		b.observe("abort_multipart_upload", start, err)
		if isNoSuchUpload(err) {
			// Already gone: nothing left to discard.
			return nil
		}
		return err
	})
	metrics.RecordMultipartAbort()
	if err != nil {
		logging.Error("multipart abort failed",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	logging.Warn("multipart upload aborted",
		zap.String("key", key),
		zap.String("upload_id", uploadID),
		zap.NamedError("cause", cause))
}

// readPart fills a pooled buffer from r. n < PartSize means r is exhausted.
func (b *S3Backend) readPart(r io.Reader) (*[]byte, int64, error) {
	buf := b.parts.Get().(*[]byte)
	n, err := io.ReadFull(r, *buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		b.releasePart(buf)
		return nil, 0, err
	}
	return buf, int64(n), nil
}

func (b *S3Backend) releasePart(buf *[]byte) {
	b.parts.Put(buf)
}
