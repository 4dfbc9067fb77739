// Package storage defines the Backend interface for content storage along with
// the pieces shared by every driver: key normalization, upload planning,
// byte-range resolution and URL signing.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Backend type identifiers.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// AcceptRangesBytes is the only range unit served.
const AcceptRangesBytes = "bytes"

// Visibility is the access class requested for an object.
type Visibility int

const (
	Private Visibility = iota
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

// ParseVisibility maps "public" / "private" (or "") to a Visibility.
func ParseVisibility(s string) (Visibility, error) {
	switch s {
	case "", "private":
		return Private, nil
	case "public":
		return Public, nil
	default:
		return Private, fmt.Errorf("unknown visibility %q", s)
	}
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	LastModified time.Time `json:"lastModified"`
}

// Object is an open read of a stored object, possibly limited to a byte range.
// Size is the full object size; ContentLength is the number of bytes Body yields.
type Object struct {
	ObjectInfo
	Body          io.ReadCloser
	ContentLength int64
	ContentRange  string
	AcceptRanges  string
}

// Partial reports whether the read was limited to a byte range.
func (o *Object) Partial() bool { return o.ContentRange != "" }

// PutOptions carries per-write settings.
type PutOptions struct {
	ContentType string
	Visibility  Visibility
}

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O; ownership and authorization live elsewhere.
type Backend interface {
	// Put stores the payload under key. A successful return means the object is
	// readable; a failed return means nothing was made readable under key.
	Put(ctx context.Context, key string, p Payload, opts PutOptions) (*ObjectInfo, error)

	// Get opens the object. A nil range reads the whole object. A range that
	// cannot be satisfied against the object size returns ErrRangeUnsatisfiable.
	Get(ctx context.Context, key string, rng *ByteRange) (*Object, error)

	// Stat returns object metadata without opening the content.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// ObjectStore is implemented by backends that can hand out direct URLs.
type ObjectStore interface {
	Backend

	// PresignGet returns a time-limited GET URL for a key in the private container.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// EndpointURL is the container's default, unsigned URL for key.
	EndpointURL(key string, v Visibility) string

	// HasPublicBucket reports whether a dedicated public container is configured.
	HasPublicBucket() bool

	// PublicACL reports whether public writes are marked publicly readable.
	PublicACL() bool
}

// Encryption holds at-rest encryption parameters for object-store writes.
type Encryption struct {
	Algorithm string // "AES256" or "aws:kms"
	KeyID     string // KMS key reference, aws:kms only
}

// Enabled reports whether an algorithm is configured.
func (e Encryption) Enabled() bool { return e.Algorithm != "" }
