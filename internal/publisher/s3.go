// Package publisher uploads a finished artifact tree to the object store.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vellum-media/vellum-stream/internal/config"
	"github.com/vellum-media/vellum-stream/internal/metrics"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

var tracer = otel.Tracer("vellum-publisher")

const (
	// BatchSize bounds concurrent PUTs per batch.
	BatchSize = 5
	// interBatchPause is crude admission control against small-object storms.
	interBatchPause = 100 * time.Millisecond
)

// ObjectPutter is the slice of the S3 API the publisher needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client against the configured endpoint with static
// credentials.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// Publisher uploads artifact trees in bounded batches.
type Publisher struct {
	client ObjectPutter
	bucket string
	log    *slog.Logger
}

// New creates a Publisher.
func New(client ObjectPutter, bucket string, log *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		bucket: bucket,
		log:    log,
	}
}

// PublishTree recursively uploads every regular file under localDir beneath
// keyPrefix. Files go up in batches of BatchSize concurrent PUTs with a short
// pause between batches. All objects are public-read with content types per
// ContentTypeFor.
//
// progress, if non-nil, is called after each completed batch with the counts
// of uploaded and total files.
func (p *Publisher) PublishTree(ctx context.Context, localDir, keyPrefix string, progress func(done, total int)) (int, error) {
	ctx, span := tracer.Start(ctx, "publish-tree")
	defer span.End()

	start := time.Now()

	var files []string
	err := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: walking %s: %v", models.ErrPublishFailed, localDir, err)
	}

	total := len(files)
	span.SetAttributes(
		attribute.String("publish.prefix", keyPrefix),
		attribute.Int("publish.files", total),
	)

	var done int
	for batchStart := 0; batchStart < total; batchStart += BatchSize {
		batchEnd := min(batchStart+BatchSize, total)

		var (
			wg       sync.WaitGroup
			firstErr atomic.Pointer[error]
		)
		for _, path := range files[batchStart:batchEnd] {
			wg.Add(1)
			go func(filePath string) {
				defer wg.Done()

				relPath, err := filepath.Rel(localDir, filePath)
				if err != nil {
					wrapped := fmt.Errorf("failed to get relative path: %w", err)
					firstErr.CompareAndSwap(nil, &wrapped)
					return
				}
				key := keyPrefix + "/" + filepath.ToSlash(relPath)

				if err := p.putFile(ctx, filePath, key); err != nil {
					firstErr.CompareAndSwap(nil, &err)
					return
				}
				metrics.PublishedFiles.Inc()
			}(path)
		}
		wg.Wait()

		if errPtr := firstErr.Load(); errPtr != nil {
			return done, fmt.Errorf("%w: %v", models.ErrPublishFailed, *errPtr)
		}

		done = batchEnd
		if progress != nil {
			progress(done, total)
		}

		if batchEnd < total {
			select {
			case <-time.After(interBatchPause):
			case <-ctx.Done():
				return done, fmt.Errorf("%w: %v", models.ErrPublishFailed, ctx.Err())
			}
		}
	}

	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	p.log.InfoContext(ctx, "Artifact tree published",
		"prefix", keyPrefix,
		"files", total,
	)
	return total, nil
}

// PublishFile uploads one local file under the given key.
func (p *Publisher) PublishFile(ctx context.Context, localPath, key string) error {
	if err := p.putFile(ctx, localPath, key); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPublishFailed, err)
	}
	metrics.PublishedFiles.Inc()
	return nil
}

func (p *Publisher) putFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        file,
		ACL:         s3types.ObjectCannedACLPublicRead,
		ContentType: aws.String(ContentTypeFor(localPath)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	p.log.DebugContext(ctx, "Uploaded artifact", "key", key)
	return nil
}
