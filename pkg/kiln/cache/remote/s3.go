package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kiln-build/kiln/pkg/kiln/cache"
)

const (
	// defaultS3PartSize is the part size for S3 multipart operations
	defaultS3PartSize = 5 * 1024 * 1024
	// defaultWorkerCount bounds concurrent transfers
	defaultWorkerCount = 10
	// defaultRateLimit is the rate limit for S3 API calls (requests per second)
	defaultRateLimit = 100
	// defaultBurstLimit is the burst limit for S3 API calls
	defaultBurstLimit = 200
)

// S3Cache implements RemoteCache using AWS S3
type S3Cache struct {
	storage     cache.ObjectStorage
	workerCount int
	rateLimiter *rate.Limiter
}

// NewS3Cache creates a new S3 cache implementation
func NewS3Cache(cfg *cache.RemoteConfig) (*S3Cache, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	return &S3Cache{
		storage:     NewS3Storage(cfg.BucketName, &awsCfg),
		workerCount: defaultWorkerCount,
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit),
	}, nil
}

// newS3CacheWithStorage exists for tests
func newS3CacheWithStorage(storage cache.ObjectStorage) *S3Cache {
	return &S3Cache{
		storage:     storage,
		workerCount: defaultWorkerCount,
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit),
	}
}

// Download implements RemoteCache. Archives already present locally are
// skipped; misses and transfer failures are logged but never fail the caller.
func (s *S3Cache) Download(ctx context.Context, dst cache.LocalCache, uniqueIDs []string) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workerCount)

	for _, id := range uniqueIDs {
		eg.Go(func() error {
			localPath, exists := dst.Location(id)
			if exists || localPath == "" {
				return nil
			}

			key := filepath.Base(localPath)
			if err := s.rateLimiter.Wait(ctx); err != nil {
				return err
			}

			found, err := s.storage.HasObject(ctx, key)
			if err != nil || !found {
				log.WithField("key", key).Debug("archive not in remote cache")
				return nil
			}

			n, err := s.storage.GetObject(ctx, key, localPath)
			if err != nil {
				log.WithError(err).WithField("key", key).Warn("failed to download cached archive - will recreate locally")
				_ = os.Remove(localPath)
				return nil
			}

			log.WithFields(log.Fields{
				"key":   key,
				"bytes": n,
			}).Debug("downloaded cached archive")
			return nil
		})
	}

	return eg.Wait()
}

// Upload implements RemoteCache
func (s *S3Cache) Upload(ctx context.Context, src cache.LocalCache, uniqueIDs []string) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workerCount)

	for _, id := range uniqueIDs {
		eg.Go(func() error {
			localPath, exists := src.Location(id)
			if !exists {
				log.WithField("uniqueID", id).Warn("archive not found in local cache - skipping upload")
				return nil
			}

			key := filepath.Base(localPath)
			if err := s.rateLimiter.Wait(ctx); err != nil {
				return err
			}

			if err := s.storage.UploadObject(ctx, key, localPath); err != nil {
				log.WithError(err).WithField("key", key).Warn("failed to upload archive to remote cache - continuing")
			}
			return nil
		})
	}

	return eg.Wait()
}

// s3ClientAPI is the subset of the S3 client interface we need
type s3ClientAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
}

// S3Storage implements ObjectStorage using AWS S3
type S3Storage struct {
	client     s3ClientAPI
	bucketName string
}

// NewS3Storage creates a new S3 storage implementation
func NewS3Storage(bucketName string, cfg *aws.Config) *S3Storage {
	return &S3Storage{
		client:     s3.NewFromConfig(*cfg),
		bucketName: bucketName,
	}
}

// HasObject implements ObjectStorage
func (s *S3Storage) HasObject(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		// HeadObject 404s are not always wrapped as NoSuchKey
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject implements ObjectStorage
func (s *S3Storage) GetObject(ctx context.Context, key string, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer f.Close()

	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = defaultS3PartSize
	})
	n, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	return n, nil
}

// UploadObject implements ObjectStorage
func (s *S3Storage) UploadObject(ctx context.Context, key string, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open file for upload: %w", err)
	}
	defer f.Close()

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = defaultS3PartSize
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}
