package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/maauso/livepair/internal/asset"
)

// S3Config holds the configuration for the S3 library.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string // Optional: key prefix, e.g. "livepair/"
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// s3API is the subset of the S3 client the library uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Library stores pairs as two objects under a shared key prefix.
type S3Library struct {
	client s3API
	bucket string
	region string
	prefix string
	logger *slog.Logger
}

// NewS3Library creates an S3Library from cfg.
func NewS3Library(cfg S3Config, logger *slog.Logger) (*S3Library, error) {
	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newS3Library(s3.NewFromConfig(awsCfg, clientOpts...), cfg, logger), nil
}

func newS3Library(client s3API, cfg S3Config, logger *slog.Logger) *S3Library {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Library{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: prefix,
		logger: logger,
	}
}

// SavePair uploads the still, then the video. If the video upload fails the
// still is deleted again so no half pair remains in the bucket.
func (l *S3Library) SavePair(ctx context.Context, pair asset.Pair) (Receipt, error) {
	if err := pair.Validate(); err != nil {
		return Receipt{}, persistenceError("save pair", err)
	}

	imageName, videoName := fileNames(pair)
	folder := l.prefix + pair.ContentIdentifier + "/"
	imageKey := folder + imageName
	videoKey := folder + videoName

	if err := l.upload(ctx, imageKey, pair.ImagePath, "image/jpeg", pair.ContentIdentifier); err != nil {
		return Receipt{}, persistenceError("upload still", err)
	}
	if err := l.upload(ctx, videoKey, pair.VideoPath, "video/quicktime", pair.ContentIdentifier); err != nil {
		// Roll back on a fresh context: ctx may be the reason the upload failed.
		if _, derr := l.client.DeleteObject(context.WithoutCancel(ctx), &s3.DeleteObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(imageKey),
		}); derr != nil {
			l.logger.Error("failed to roll back still upload",
				slog.String("key", imageKey),
				slog.String("error", derr.Error()),
			)
		}
		return Receipt{}, persistenceError("upload video", err)
	}

	l.logger.Info("pair saved to bucket",
		slog.String("content_identifier", pair.ContentIdentifier),
		slog.String("bucket", l.bucket),
		slog.String("prefix", folder),
	)

	return Receipt{
		Location: l.url(folder),
		Image:    l.url(imageKey),
		Video:    l.url(videoKey),
	}, nil
}

func (l *S3Library) upload(ctx context.Context, key, path, contentType, identifier string) error {
	f, err := os.Open(path) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"content-identifier": identifier},
	})
	if err != nil {
		return fmt.Errorf("upload to S3: %w", err)
	}
	return nil
}

func (l *S3Library) url(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", l.bucket, l.region, key)
}

var _ Library = (*S3Library)(nil)
