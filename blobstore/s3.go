package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config configures the S3 store.
type S3Config struct {
	Bucket    string `toml:"bucket" yaml:"bucket"`
	Key       string `toml:"key" yaml:"key"`
	Region    string `toml:"region" yaml:"region"`
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	AccessKey string `toml:"access_key" yaml:"-"`
	SecretKey string `toml:"secret_key" yaml:"-"`
}

// defaultS3Key is the object key if none is configured.
const defaultS3Key = "epid.blob"

// maxBlobSize bounds the size of a loaded blob.
const maxBlobSize = 1 << 20

// S3 keeps the blob in an S3 object.
type S3 struct {
	client *s3.S3
	bucket string
	key    string
	log    *slog.Logger
}

// NewS3 returns a store for the object cfg.Key in cfg.Bucket. With an endpoint set, path
// style addressing is used so S3 compatible services work.
func NewS3(cfg S3Config, log *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket must be set")
	}
	awsCfg := aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	key := strings.TrimPrefix(cfg.Key, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		key = path.Join(key, defaultS3Key)
	}
	return &S3{client: s3.New(sess), bucket: cfg.Bucket, key: key, log: log}, nil
}

// Load downloads the object.
func (s *S3) Load(ctx context.Context) ([]byte, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer result.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(result.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.bucket, s.key, err)
	}
	if len(blob) > maxBlobSize {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", s.bucket, s.key, maxBlobSize)
	}
	s.log.Debug("Loaded EPID blob from S3", slog.String("bucket", s.bucket), slog.String("key", s.key), slog.Int("size", len(blob)))
	return blob, nil
}

// Store uploads the object. The blob is private to the bucket owner.
func (s *S3) Store(ctx context.Context, blob []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/octet-stream"),
		ACL:         aws.String(s3.ObjectCannedACLPrivate),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, s.key, err)
	}
	s.log.Debug("Stored EPID blob in S3", slog.String("bucket", s.bucket), slog.String("key", s.key), slog.Int("size", len(blob)))
	return nil
}

// Name returns the location of the object.
func (s *S3) Name() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}
