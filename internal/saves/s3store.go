package saves

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vpoletaev/depot/internal/config"
)

const (
	metaKeyHash  = "sha256"
	metaKeyMTime = "mtime"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// s3API is the slice of the S3 client the store actually calls.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps saves as bucket objects under {app}/{name}, with the
// content hash and modification time carried in object metadata.
type S3Store struct {
	api    s3API
	bucket string
}

// NewS3Store builds a store from the S3 section of the runtime config.
// A non-empty Endpoint (e.g. self-hosted MinIO) switches the client to
// path-style addressing.
func NewS3Store(ctx context.Context, cfg config.S3) (*S3Store, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("s3 saves: load config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{api: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) key(app, name string) string {
	return app + "/" + name
}

func (s *S3Store) List(ctx context.Context, app string) ([]Metadata, error) {
	prefix := app + "/"
	var result []Metadata
	var token *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 saves: list %s: %w", app, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name := key[len(prefix):]
			if name == "" {
				continue
			}
			meta, err := s.head(ctx, key, name, obj.Size, obj.LastModified)
			if err != nil {
				return nil, err
			}
			result = append(result, meta)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return result, nil
}

// head fills in the hash and save-time metadata that a bucket listing
// does not carry.
func (s *S3Store) head(ctx context.Context, key, name string, size *int64, lastModified *time.Time) (Metadata, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("s3 saves: head %s: %w", key, err)
	}
	meta := Metadata{
		Name: name,
		Size: aws.ToInt64(size),
		Hash: out.Metadata[metaKeyHash],
	}
	if raw, ok := out.Metadata[metaKeyMTime]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			meta.ModTime = time.Unix(unix, 0).UTC()
		}
	}
	if meta.ModTime.IsZero() && lastModified != nil {
		meta.ModTime = lastModified.UTC()
	}
	return meta, nil
}

func (s *S3Store) Download(ctx context.Context, app, name string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(app, name)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 saves: get %s/%s: %w", app, name, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 saves: read %s/%s: %w", app, name, err)
	}
	return data, nil
}

func (s *S3Store) Upload(ctx context.Context, app string, meta Metadata, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(app, meta.Name)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			metaKeyHash:  meta.Hash,
			metaKeyMTime: strconv.FormatInt(meta.ModTime.UTC().Unix(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 saves: put %s/%s: %w", app, meta.Name, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, app, name string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(app, name)),
	})
	if err != nil {
		return fmt.Errorf("s3 saves: delete %s/%s: %w", app, name, err)
	}
	return nil
}
