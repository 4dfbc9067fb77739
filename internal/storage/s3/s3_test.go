package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fruitsalade/mediastore/internal/retry"
	"github.com/fruitsalade/mediastore/internal/storage"
)

const mib = 1 << 20

func newTestBackend(t *testing.T, cfg Config) (*S3Backend, *fakeS3) {
	t.Helper()
	if cfg.Bucket == "" {
		cfg.Bucket = "private"
	}
	fake := newFakeS3()
	b, err := NewWithClient(cfg, fake, nil)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return b, fake
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{Bucket: "b"}, true},
		{"no bucket", Config{}, false},
		{"small parts", Config{Bucket: "b", PartSize: mib}, false},
		{"negative concurrency", Config{Bucket: "b", Concurrency: -1}, false},
		{"aes", Config{Bucket: "b", Encryption: storage.Encryption{Algorithm: "AES256"}}, true},
		{"kms with key", Config{Bucket: "b", Encryption: storage.Encryption{Algorithm: "aws:kms", KeyID: "k"}}, true},
		{"aes with key", Config{Bucket: "b", Encryption: storage.Encryption{Algorithm: "AES256", KeyID: "k"}}, false},
		{"key without algorithm", Config{Bucket: "b", Encryption: storage.Encryption{KeyID: "k"}}, false},
		{"unknown algorithm", Config{Bucket: "b", Encryption: storage.Encryption{Algorithm: "rot13"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.validate()
			if tt.ok && err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, storage.ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
			if tt.ok && (cfg.PartSize != storage.DefaultPartSize || cfg.Concurrency != storage.DefaultPartConcurrency || cfg.Region != "us-east-1") {
				t.Errorf("defaults not applied: %+v", cfg)
			}
		})
	}
}

func TestS3_PutBytesSingleRequest(t *testing.T) {
	b, fake := newTestBackend(t, Config{})
	ctx := context.Background()

	info, err := b.Put(ctx, "uploads/a.png", storage.Bytes(pattern(10*mib)), storage.PutOptions{ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != 10*mib {
		t.Errorf("Size = %d", info.Size)
	}
	if fake.puts != 1 || fake.creates != 0 {
		t.Errorf("puts = %d, creates = %d; want a single PutObject", fake.puts, fake.creates)
	}
	obj, _ := fake.object("private", "uploads/a.png")
	if obj.contentType != "image/png" {
		t.Errorf("content type = %q", obj.contentType)
	}
}

func TestS3_PutSmallStreamSingleRequest(t *testing.T) {
	b, fake := newTestBackend(t, Config{})

	_, err := b.Put(context.Background(), "uploads/s.txt", storage.Stream(strings.NewReader("short"), -1), storage.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fake.puts != 1 || fake.creates != 0 {
		t.Errorf("puts = %d, creates = %d", fake.puts, fake.creates)
	}
	obj, _ := fake.object("private", "uploads/s.txt")
	if string(obj.data) != "short" {
		t.Errorf("data = %q", obj.data)
	}
}

func TestS3_PutMultipart(t *testing.T) {
	b, fake := newTestBackend(t, Config{PartSize: 8 * mib, Concurrency: 4})
	data := pattern(20 * mib)

	info, err := b.Put(context.Background(), "products/abc.mp4", storage.Stream(bytes.NewReader(data), -1), storage.PutOptions{ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != 20*mib {
		t.Errorf("Size = %d, want %d", info.Size, 20*mib)
	}
	if fake.creates != 1 || fake.completes != 1 || fake.aborts != 0 {
		t.Errorf("creates = %d, completes = %d, aborts = %d", fake.creates, fake.completes, fake.aborts)
	}

	want := map[int32]int{1: 8 * mib, 2: 8 * mib, 3: 4 * mib}
	if len(fake.partSizes) != len(want) {
		t.Fatalf("uploaded %d parts, want 3", len(fake.partSizes))
	}
	for num, size := range want {
		if fake.partSizes[num] != size {
			t.Errorf("part %d = %d bytes, want %d", num, fake.partSizes[num], size)
		}
	}

	obj, ok := fake.object("private", "products/abc.mp4")
	if !ok {
		t.Fatal("object not assembled")
	}
	if !bytes.Equal(obj.data, data) {
		t.Error("assembled content mismatch")
	}
	if obj.contentType != "video/mp4" {
		t.Errorf("content type = %q", obj.contentType)
	}
}

func TestS3_PutMultipartExactPartBoundary(t *testing.T) {
	b, fake := newTestBackend(t, Config{PartSize: storage.MinPartSize})

	_, err := b.Put(context.Background(), "uploads/b.bin", storage.Stream(bytes.NewReader(pattern(int(2*storage.MinPartSize))), -1), storage.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(fake.partSizes) != 2 {
		t.Errorf("uploaded %d parts, want 2", len(fake.partSizes))
	}
}

func TestS3_PutMultipartAbortsOnPartFailure(t *testing.T) {
	b, fake := newTestBackend(t, Config{PartSize: storage.MinPartSize, Concurrency: 2})
	fake.failPart = 3

	_, err := b.Put(context.Background(), "uploads/big.bin", storage.Stream(bytes.NewReader(pattern(int(5*storage.MinPartSize))), -1), storage.PutOptions{})
	if !errors.Is(err, storage.ErrUploadAborted) {
		t.Fatalf("err = %v, want ErrUploadAborted", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "InternalError" {
		t.Errorf("cause not preserved: %v", err)
	}
	if fake.aborts != 1 || fake.completes != 0 {
		t.Errorf("aborts = %d, completes = %d", fake.aborts, fake.completes)
	}
	if len(fake.uploads) != 0 {
		t.Errorf("%d uploads left open", len(fake.uploads))
	}
	if _, err := b.Get(context.Background(), "uploads/big.bin", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("aborted object readable: %v", err)
	}
}

func TestS3_AbortRetried(t *testing.T) {
	b, fake := newTestBackend(t, Config{PartSize: storage.MinPartSize})
	b.abortRetry = retry.Policy{Attempts: 3, Initial: time.Millisecond}
	fake.failPart = 2
	fake.abortFailures = 2

	_, err := b.Put(context.Background(), "uploads/r.bin", storage.Stream(bytes.NewReader(pattern(int(2*storage.MinPartSize))), -1), storage.PutOptions{})
	if !errors.Is(err, storage.ErrUploadAborted) {
		t.Fatalf("err = %v, want ErrUploadAborted", err)
	}
	if fake.aborts != 3 {
		t.Errorf("abort calls = %d, want 3", fake.aborts)
	}
	if len(fake.uploads) != 0 {
		t.Errorf("%d uploads left open", len(fake.uploads))
	}
}

func TestS3_PutMultipartCancelled(t *testing.T) {
	b, fake := newTestBackend(t, Config{PartSize: storage.MinPartSize})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Put(ctx, "uploads/c.bin", storage.Stream(bytes.NewReader(pattern(int(3*storage.MinPartSize))), -1), storage.PutOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !errors.Is(err, storage.ErrUploadAborted) {
		t.Errorf("err = %v, want ErrUploadAborted", err)
	}
	if fake.aborts != 1 {
		t.Errorf("aborts = %d, want 1 despite cancelled context", fake.aborts)
	}
	if _, ok := fake.object("private", "uploads/c.bin"); ok {
		t.Error("cancelled upload became visible")
	}
}

func TestS3_Visibility(t *testing.T) {
	t.Run("public bucket", func(t *testing.T) {
		b, fake := newTestBackend(t, Config{PublicBucket: "public", PublicACL: true})
		ctx := context.Background()
		if _, err := b.Put(ctx, "uploads/p.png", storage.Bytes([]byte("x")), storage.PutOptions{Visibility: storage.Public}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		obj, ok := fake.object("public", "uploads/p.png")
		if !ok {
			t.Fatal("public object not in public bucket")
		}
		if obj.acl != "" {
			t.Errorf("acl = %q, want none in a dedicated public bucket", obj.acl)
		}

		// Reads fall back to the public bucket.
		got, err := b.Get(ctx, "uploads/p.png", nil)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got.Body.Close()
		if _, err := b.Stat(ctx, "uploads/p.png"); err != nil {
			t.Errorf("Stat: %v", err)
		}
	})

	t.Run("public acl", func(t *testing.T) {
		b, fake := newTestBackend(t, Config{PublicACL: true})
		b.Put(context.Background(), "uploads/p.png", storage.Bytes([]byte("x")), storage.PutOptions{Visibility: storage.Public})
		obj, _ := fake.object("private", "uploads/p.png")
		if obj.acl != types.ObjectCannedACLPublicRead {
			t.Errorf("acl = %q, want public-read", obj.acl)
		}

		b.Put(context.Background(), "uploads/q.png", storage.Bytes([]byte("x")), storage.PutOptions{Visibility: storage.Private})
		obj, _ = fake.object("private", "uploads/q.png")
		if obj.acl != "" {
			t.Errorf("private write got acl %q", obj.acl)
		}
	})
}

func TestS3_Encryption(t *testing.T) {
	b, fake := newTestBackend(t, Config{
		PartSize:   storage.MinPartSize,
		Encryption: storage.Encryption{Algorithm: "aws:kms", KeyID: "alias/media"},
	})
	ctx := context.Background()

	b.Put(ctx, "uploads/small", storage.Bytes([]byte("x")), storage.PutOptions{})
	b.Put(ctx, "uploads/large", storage.Stream(bytes.NewReader(pattern(int(storage.MinPartSize)+1)), -1), storage.PutOptions{})

	for _, key := range []string{"uploads/small", "uploads/large"} {
		obj, ok := fake.object("private", key)
		if !ok {
			t.Fatalf("%s not stored", key)
		}
		if obj.sse != types.ServerSideEncryptionAwsKms || obj.kmsKeyID != "alias/media" {
			t.Errorf("%s: sse = %q, key = %q", key, obj.sse, obj.kmsKeyID)
		}
	}
}

func TestS3_GetRangePassthrough(t *testing.T) {
	b, fake := newTestBackend(t, Config{})
	ctx := context.Background()
	data := pattern(5000)
	b.Put(ctx, "posts/1/video.mp4", storage.Bytes(data), storage.PutOptions{ContentType: "video/mp4"})

	rng, _ := storage.ParseRange("bytes=1000-1999")
	obj, err := b.Get(ctx, "posts/1/video.mp4", &rng)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer obj.Body.Close()

	if len(fake.getRanges) != 1 || fake.getRanges[0] != "bytes=1000-1999" {
		t.Errorf("ranges sent = %v", fake.getRanges)
	}
	got, _ := io.ReadAll(obj.Body)
	if !bytes.Equal(got, data[1000:2000]) {
		t.Error("range content mismatch")
	}
	if obj.ContentRange != "bytes 1000-1999/5000" || obj.ContentLength != 1000 || obj.Size != 5000 {
		t.Errorf("obj = %+v", obj.ObjectInfo)
	}
	if obj.AcceptRanges != "bytes" || obj.ContentType != "video/mp4" {
		t.Errorf("AcceptRanges = %q, ContentType = %q", obj.AcceptRanges, obj.ContentType)
	}
}

func TestS3_GetErrors(t *testing.T) {
	b, _ := newTestBackend(t, Config{})
	ctx := context.Background()
	b.Put(ctx, "uploads/a", storage.Bytes(pattern(100)), storage.PutOptions{})

	if _, err := b.Get(ctx, "uploads/missing", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
	if _, err := b.Stat(ctx, "uploads/missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stat missing: err = %v, want ErrNotFound", err)
	}

	rng := storage.ByteRange{Start: 500, End: 600}
	if _, err := b.Get(ctx, "uploads/a", &rng); !errors.Is(err, storage.ErrRangeUnsatisfiable) {
		t.Errorf("out of range: err = %v, want ErrRangeUnsatisfiable", err)
	}
}

func TestS3_DeleteBothBuckets(t *testing.T) {
	b, fake := newTestBackend(t, Config{PublicBucket: "public"})
	ctx := context.Background()
	b.Put(ctx, "uploads/a", storage.Bytes([]byte("x")), storage.PutOptions{Visibility: storage.Public})
	b.Put(ctx, "uploads/a", storage.Bytes([]byte("y")), storage.PutOptions{Visibility: storage.Private})

	if err := b.Delete(ctx, "uploads/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "uploads/a"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, ok := fake.object("public", "uploads/a"); ok {
		t.Error("public copy not deleted")
	}
	if _, ok := fake.object("private", "uploads/a"); ok {
		t.Error("private copy not deleted")
	}
}

func TestS3_EndpointURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		v    storage.Visibility
		want string
	}{
		{"aws", Config{Bucket: "media", Region: "eu-west-1"}, storage.Private, "https://media.s3.eu-west-1.amazonaws.com/posts/a%20b.png"},
		{"aws public bucket", Config{Bucket: "media", PublicBucket: "media-public", Region: "eu-west-1"}, storage.Public, "https://media-public.s3.eu-west-1.amazonaws.com/posts/a%20b.png"},
		{"path style", Config{Bucket: "media", Endpoint: "http://localhost:9000", UsePathStyle: true}, storage.Private, "http://localhost:9000/media/posts/a%20b.png"},
		{"virtual host", Config{Bucket: "media", Endpoint: "https://s3.example.com"}, storage.Private, "https://media.s3.example.com/posts/a%20b.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBackend(t, tt.cfg)
			if got := b.EndpointURL("posts/a b.png", tt.v); got != tt.want {
				t.Errorf("EndpointURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestS3_PresignGet(t *testing.T) {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String("http://localhost:9000"),
		UsePathStyle: true,
	})
	b, err := NewWithClient(Config{Bucket: "private"}, client, s3.NewPresignClient(client))
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}

	raw, err := b.PresignGet(context.Background(), "posts/1/video.mp4", 15*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Path != "/private/posts/1/video.mp4" {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "900" {
		t.Errorf("X-Amz-Expires = %q, want 900", q.Get("X-Amz-Expires"))
	}
	if q.Get("X-Amz-Signature") == "" || !strings.HasPrefix(q.Get("X-Amz-Credential"), "AKIDEXAMPLE/") {
		t.Errorf("unsigned URL: %s", raw)
	}
}

func TestClassify(t *testing.T) {
	if !errors.Is(classify(&types.NoSuchKey{}), storage.ErrNotFound) {
		t.Error("NoSuchKey not mapped to ErrNotFound")
	}
	if !errors.Is(classify(&smithy.GenericAPIError{Code: "NotFound"}), storage.ErrNotFound) {
		t.Error("NotFound code not mapped")
	}
	if !errors.Is(classify(&smithy.GenericAPIError{Code: "InvalidRange"}), storage.ErrRangeUnsatisfiable) {
		t.Error("InvalidRange not mapped")
	}
	other := &smithy.GenericAPIError{Code: "SlowDown"}
	if got := classify(other); got != other {
		t.Errorf("classify(SlowDown) = %v", got)
	}
}
