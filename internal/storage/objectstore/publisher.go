package objectstore

import (
	"context"
	"log/slog"

	"github.com/marcoeg/etrap/internal/batch"
)

// Publisher uploads one artifact set under the deterministic key
// layout. The supporting documents go first and batch-data.json last:
// its presence is the read side's commit marker, so a reader never
// sees a batch whose tree or indices are missing.
type Publisher struct {
	store  Store
	bucket string
	logger *slog.Logger
}

func NewPublisher(store Store, bucket string, logger *slog.Logger) *Publisher {
	return &Publisher{store: store, bucket: bucket, logger: logger}
}

func (p *Publisher) Bucket() string { return p.bucket }

func (p *Publisher) EnsureBucket(ctx context.Context) error {
	return p.store.EnsureBucket(ctx, p.bucket)
}

// Publish uploads the set. On any failure it deletes whatever it
// already wrote for this batch (best effort) and returns an
// UploadError; the caller retries with a fresh batch id.
func (p *Publisher) Publish(ctx context.Context, set *batch.ArtifactSet) error {
	var written []string
	upload := func(doc batch.Document) error {
		if err := p.store.Put(ctx, p.bucket, doc.Key, doc.Body); err != nil {
			p.cleanup(ctx, written)
			return &UploadError{Key: doc.Key, Err: err}
		}
		written = append(written, doc.Key)
		return nil
	}

	for _, doc := range set.Supporting {
		if err := upload(doc); err != nil {
			return err
		}
	}
	return upload(set.BatchData)
}

func (p *Publisher) cleanup(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := p.store.Delete(ctx, p.bucket, key); err != nil {
			p.logger.Warn("cleanup of partial upload failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}
