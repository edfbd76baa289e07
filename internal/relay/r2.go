package relay

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	apperrors "github.com/harukochan/bot-server-go/internal/errors"
)

const r2Name = "r2"

type R2Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
}

func (c R2Config) Configured() bool {
	return c.Endpoint != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != "" && c.PublicURL != ""
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Store uploads generated media to a Cloudflare R2 bucket and returns the
// object's public URL.
type R2Store struct {
	client    objectPutter
	bucket    string
	publicURL string
}

func NewR2Store(ctx context.Context, cfg R2Config) (*R2Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load r2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return newR2Store(client, cfg.Bucket, cfg.PublicURL), nil
}

func newR2Store(client objectPutter, bucket, publicURL string) *R2Store {
	return &R2Store{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

var mediaExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
}

func mediaKey(contentType string) string {
	prefix, _, _ := strings.Cut(contentType, "/")
	if prefix == "" {
		prefix = "media"
	}
	ext, ok := mediaExtensions[contentType]
	if !ok {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s.%s", prefix, uuid.NewString(), ext)
}

func (s *R2Store) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	key := mediaKey(contentType)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", apperrors.External(r2Name, fmt.Errorf("put object %s: %w", key, err))
	}
	return s.publicURL + "/" + key, nil
}
