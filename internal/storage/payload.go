package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Reference multipart settings.
const (
	DefaultPartSize        int64 = 8 << 20
	DefaultPartConcurrency       = 4

	// MinPartSize is the smallest non-final part object stores accept.
	MinPartSize int64 = 5 << 20
)

// PayloadKind tags the Payload union.
type PayloadKind int

const (
	PayloadBytes PayloadKind = iota + 1
	PayloadFile
	PayloadStream
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadBytes:
		return "bytes"
	case PayloadFile:
		return "file"
	case PayloadStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Payload is the content of an upload: an in-memory buffer, a local file path
// or a readable stream.
type Payload struct {
	kind PayloadKind
	data []byte
	path string
	r    io.Reader
	size int64
}

// Bytes wraps an in-memory buffer.
func Bytes(b []byte) Payload {
	return Payload{kind: PayloadBytes, data: b, size: int64(len(b))}
}

// File refers to a local file that is opened when the upload runs.
func File(path string) Payload {
	return Payload{kind: PayloadFile, path: path, size: -1}
}

// Stream wraps a reader. size is -1 when unknown.
func Stream(r io.Reader, size int64) Payload {
	if size < 0 {
		size = -1
	}
	return Payload{kind: PayloadStream, r: r, size: size}
}

// Kind returns the payload tag.
func (p Payload) Kind() PayloadKind { return p.kind }

// Open returns a reader over the payload and its size (-1 when unknown).
// The caller must close the reader.
func (p Payload) Open() (io.ReadCloser, int64, error) {
	switch p.kind {
	case PayloadBytes:
		return io.NopCloser(bytes.NewReader(p.data)), p.size, nil
	case PayloadFile:
		f, err := os.Open(p.path)
		if err != nil {
			return nil, 0, fmt.Errorf("open payload %s: %w", p.path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("stat payload %s: %w", p.path, err)
		}
		return f, info.Size(), nil
	case PayloadStream:
		if p.r == nil {
			return nil, 0, fmt.Errorf("stream payload has no reader")
		}
		if rc, ok := p.r.(io.ReadCloser); ok {
			return rc, p.size, nil
		}
		return io.NopCloser(p.r), p.size, nil
	default:
		return nil, 0, fmt.Errorf("empty payload")
	}
}

// Strategy is the write strategy chosen for a payload.
type Strategy int

const (
	SinglePut Strategy = iota
	Multipart
)

func (s Strategy) String() string {
	if s == Multipart {
		return "multipart"
	}
	return "single"
}

// Plan picks the write strategy. Buffers are always written in one request;
// file paths and streams may be large and go multipart when the backend
// supports it. Anything else is treated like a stream.
func Plan(p Payload, multipartSupported bool) Strategy {
	if p.kind == PayloadBytes || !multipartSupported {
		return SinglePut
	}
	return Multipart
}

// SplitParts returns the part sizes for an object of size bytes.
func SplitParts(size, partSize int64) []int64 {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if size <= 0 {
		return nil
	}
	parts := make([]int64, 0, (size+partSize-1)/partSize)
	for size > 0 {
		n := partSize
		if size < n {
			n = size
		}
		parts = append(parts, n)
		size -= n
	}
	return parts
}

// UploadRequest is one write: a logical key, the declared content type, the
// payload and the requested visibility.
type UploadRequest struct {
	Key         string
	ContentType string
	Payload     Payload
	Visibility  Visibility
}
