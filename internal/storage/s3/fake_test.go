package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fruitsalade/mediastore/internal/storage"
)

type fakeObject struct {
	data        []byte
	contentType string
	acl         types.ObjectCannedACL
	sse         types.ServerSideEncryption
	kmsKeyID    string
	modified    time.Time
}

type fakeUpload struct {
	bucket, key string
	object      fakeObject
	parts       map[int32][]byte
}

// fakeS3 is an in-memory API keyed by bucket then key.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string]fakeObject
	uploads map[string]*fakeUpload
	nextID  int

	// failPart makes UploadPart fail for that part number.
	failPart int32
	// abortFailures makes the next n AbortMultipartUpload calls fail.
	abortFailures int

	puts, creates, completes, aborts int
	partSizes                        map[int32]int
	getRanges                        []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets:   make(map[string]map[string]fakeObject),
		uploads:   make(map[string]*fakeUpload),
		partSizes: make(map[int32]int),
	}
}

var _ API = (*fakeS3)(nil)

func (f *fakeS3) store(bucket, key string, obj fakeObject) {
	if f.buckets[bucket] == nil {
		f.buckets[bucket] = make(map[string]fakeObject)
	}
	obj.modified = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.buckets[bucket][key] = obj
}

func (f *fakeS3) object(bucket, key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.buckets[bucket][key]
	return obj, ok
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.store(aws.ToString(in.Bucket), aws.ToString(in.Key), fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		acl:         in.ACL,
		sse:         in.ServerSideEncryption,
		kmsKeyID:    aws.ToString(in.SSEKMSKeyId),
	})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.buckets[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}

	out := &s3.GetObjectOutput{
		AcceptRanges:  aws.String("bytes"),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
		ContentLength: aws.Int64(int64(len(obj.data))),
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
	}
	if h := aws.ToString(in.Range); h != "" {
		f.getRanges = append(f.getRanges, h)
		rng, ok := storage.ParseRange(h)
		if !ok {
			return out, nil
		}
		spec, ok := rng.Resolve(int64(len(obj.data)))
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange", Message: "The requested range is not satisfiable"}
		}
		out.ContentLength = aws.Int64(spec.Length())
		out.ContentRange = aws.String(spec.ContentRange())
		out.Body = io.NopCloser(bytes.NewReader(obj.data[spec.Start : spec.End+1]))
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.object(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets[aws.ToString(in.Bucket)], aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		object: fakeObject{
			contentType: aws.ToString(in.ContentType),
			acl:         in.ACL,
			sse:         in.ServerSideEncryption,
			kmsKeyID:    aws.ToString(in.SSEKMSKeyId),
		},
		parts: make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	num := aws.ToInt32(in.PartNumber)
	if num == f.failPart {
		return nil, &smithy.GenericAPIError{Code: "InternalError", Message: "part rejected"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	up.parts[num] = data
	f.partSizes[num] = len(data)
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"etag-%d"`, num))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}

	var buf bytes.Buffer
	prev := int32(0)
	for _, p := range in.MultipartUpload.Parts {
		num := aws.ToInt32(p.PartNumber)
		if num <= prev {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder"}
		}
		prev = num
		data, ok := up.parts[num]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart"}
		}
		buf.Write(data)
	}
	f.completes++
	obj := up.object
	obj.data = buf.Bytes()
	f.store(up.bucket, up.key, obj)
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	if f.abortFailures > 0 {
		f.abortFailures--
		return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
	}
	if _, ok := f.uploads[aws.ToString(in.UploadId)]; !ok {
		return nil, &types.NoSuchUpload{}
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}
