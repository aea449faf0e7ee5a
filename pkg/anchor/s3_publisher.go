package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Publisher publishes checkpoints as JSON objects under the key
// <prefix><batch_id>.json in an S3 bucket; no separator is inserted
// between prefix and batch id.
type S3Publisher struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3PublisherConfig configures S3Publisher.
type S3PublisherConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string
}

// NewS3Publisher builds a publisher against AWS S3 (or an S3-compatible
// endpoint) using the default AWS credential chain.
func NewS3Publisher(ctx context.Context, cfg S3PublisherConfig) (*S3Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("anchor: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Publisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// PublishCheckpoint implements auditledger.CheckpointPublisher.
func (p *S3Publisher) PublishCheckpoint(ctx context.Context, batchID int, root string, committedAt time.Time) error {
	body, err := json.Marshal(Checkpoint{BatchID: batchID, Root: root, CommittedAt: committedAt})
	if err != nil {
		return fmt.Errorf("anchor: marshal checkpoint: %w", err)
	}

	key := fmt.Sprintf("%s%d.json", p.prefix, batchID)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("anchor: s3 put checkpoint %d: %w", batchID, err)
	}
	return nil
}
