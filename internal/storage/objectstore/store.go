package objectstore

import (
	"context"
	"fmt"
)

// Store is the capability surface the publisher needs from the object
// store. The S3 implementation lives in s3.go; tests substitute an
// in-memory fake.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, body []byte) error
	Delete(ctx context.Context, bucket, key string) error
}

// UploadError reports a failed artifact upload after cleanup has been
// attempted. The orchestrator does not acknowledge the batch; the
// events are resealed under a new batch id on the next pass.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
