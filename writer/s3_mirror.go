package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "deribitflow/config"
	"deribitflow/logger"
)

// ObjectPutter is the subset of the S3 client the mirror needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror copies finalized catalog files to an S3 bucket. The local
// catalog stays the source of truth; mirror failures are reported to the
// caller and never roll back a local commit.
type S3Mirror struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	root    string
	version string
	log     *logger.Log
}

// NewS3Mirror builds an S3 client from cfg the same way the catalog
// uploader always has: explicit region, optional static credentials and
// an optional custom endpoint.
func NewS3Mirror(ctx context.Context, cfg appconfig.S3Config, root, version string) (*S3Mirror, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_mirror").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"prefix":     cfg.Prefix,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 mirror initialized")

	return NewS3MirrorWithClient(client, cfg.Bucket, cfg.Prefix, root, version), nil
}

// NewS3MirrorWithClient wires a mirror around an existing client.
func NewS3MirrorWithClient(client ObjectPutter, bucket, prefix, root, version string) *S3Mirror {
	return &S3Mirror{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		root:    root,
		version: version,
		log:     logger.GetLogger(),
	}
}

// Key maps a catalog relative path to its object key.
func (m *S3Mirror) Key(relpath string) string {
	key := filepath.ToSlash(relpath)
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

// Mirror uploads the catalog file at relpath with meta attached as object
// metadata.
func (m *S3Mirror) Mirror(ctx context.Context, relpath string, meta map[string]string) error {
	key := m.Key(relpath)
	log := m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"operation": "mirror",
		"s3_key":    key,
	})

	f, err := os.Open(filepath.Join(m.root, relpath))
	if err != nil {
		return fmt.Errorf("open %s: %w", relpath, err)
	}
	defer f.Close()

	metadata := map[string]string{
		"deribitflow-version": m.version,
	}
	for k, v := range meta {
		metadata[k] = v
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(relpath, ".json") {
		contentType = "application/json"
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	}

	// Uploads finish even when the run is being cancelled.
	if _, err := m.client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		log.WithError(err).WithFields(logger.Fields{"bucket": m.bucket}).Warn("failed to mirror catalog file")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", m.bucket, err)
	}

	log.Debug("catalog file mirrored")
	return nil
}
