//go:build gcp

package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// GCSPublisher publishes checkpoints as JSON objects named
// <prefix><batch_id>.json (no separator inserted between prefix and batch
// id) in a Google Cloud Storage bucket. Built only
// with -tags gcp, same as artifacts.GCSStore in the wider governance stack.
type GCSPublisher struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSPublisherConfig configures GCSPublisher.
type GCSPublisherConfig struct {
	Bucket string
	Prefix string
}

// NewGCSPublisher builds a publisher against GCS using application default
// credentials.
func NewGCSPublisher(ctx context.Context, cfg GCSPublisherConfig) (*GCSPublisher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor: create GCS client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// PublishCheckpoint implements auditledger.CheckpointPublisher.
func (p *GCSPublisher) PublishCheckpoint(ctx context.Context, batchID int, root string, committedAt time.Time) error {
	body, err := json.Marshal(Checkpoint{BatchID: batchID, Root: root, CommittedAt: committedAt})
	if err != nil {
		return fmt.Errorf("anchor: marshal checkpoint: %w", err)
	}

	objectPath := fmt.Sprintf("%s%d.json", p.prefix, batchID)
	w := p.client.Bucket(p.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("anchor: gcs write checkpoint %d: %w", batchID, err)
	}
	return w.Close()
}

// Close closes the underlying GCS client.
func (p *GCSPublisher) Close() error {
	return p.client.Close()
}
