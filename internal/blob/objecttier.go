package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectTierConfig configures the optional S3-compatible backing store for
// blobs that have been evicted from (or never promoted to) the local tier.
type ObjectTierConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// objectTier is the optional durable tier beneath the local blob cache.
// Grounded on the pack's S3 checkpoint store: static credentials or the
// default AWS credential chain, optional path-style addressing and custom
// endpoint for R2/MinIO-compatible stores.
type objectTier struct {
	client *s3.Client
	bucket string
}

func newObjectTier(cfg ObjectTierConfig) (*objectTier, error) {
	var client *s3.Client

	if cfg.AccessKeyID != "" {
		opts := []func(*s3.Options){
			func(o *s3.Options) {
				o.Region = cfg.Region
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
				if cfg.ForcePathStyle {
					o.UsePathStyle = true
				}
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
				}
			},
		}
		client = s3.New(s3.Options{}, opts...)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
		)
		if err != nil {
			return nil, fmt.Errorf("blob: load AWS config: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if cfg.ForcePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		if cfg.Endpoint != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
		}
		client = s3.NewFromConfig(awsCfg, s3Opts...)
	}

	return &objectTier{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(digest string) string {
	return "blobs/" + digest
}

func (t *objectTier) put(ctx context.Context, digest string, stored io.ReadSeeker, size int64) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(objectKey(digest)),
		Body:          stored,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("blob: upload %s to object tier: %w", digest, err)
	}
	return nil
}

func (t *objectTier) get(ctx context.Context, digest string) (io.ReadCloser, error) {
	resp, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: download %s from object tier: %w", digest, err)
	}
	return resp.Body, nil
}

func (t *objectTier) exists(ctx context.Context, digest string) (bool, error) {
	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		return false, nil // treat any head failure as "not present"; callers fall back to local-only miss handling
	}
	return true, nil
}

func (t *objectTier) delete(ctx context.Context, digest string) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey(digest)),
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s from object tier: %w", digest, err)
	}
	return nil
}
