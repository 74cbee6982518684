package cloud

import (
	"context"
	"io"
	"os"

	"cloud.google.com/go/iam"
	gcs "cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/option"
)

// ObjectUploader places build-context archives in a bucket and can grant a
// principal read access to them. Uploaded contexts are retained so the exact
// input of a build stays inspectable.
type ObjectUploader interface {
	// Upload copies the local file to bucket/object.
	Upload(ctx context.Context, bucket, object, file string) error

	// GrantReadAccess idempotently grants the principal object-read access on
	// the bucket.
	GrantReadAccess(ctx context.Context, bucket, principal string) error
}

// GCSUploader implements ObjectUploader against Google Cloud Storage.
type GCSUploader struct {
	client *gcs.Client
}

// NewGCSUploader creates a GCS client using ambient credentials.
func NewGCSUploader(ctx context.Context, opts ...option.ClientOption) (*GCSUploader, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("cannot create storage client: %w", err)
	}
	return &GCSUploader{client: client}, nil
}

// Upload implements ObjectUploader
func (u *GCSUploader) Upload(ctx context.Context, bucket, object, file string) error {
	src, err := os.Open(file)
	if err != nil {
		return xerrors.Errorf("cannot open %s for upload: %w", file, err)
	}
	defer src.Close()

	w := u.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return xerrors.Errorf("cannot upload %s to gs://%s/%s: %w", file, bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return xerrors.Errorf("cannot upload %s to gs://%s/%s: %w", file, bucket, object, err)
	}

	log.WithFields(log.Fields{
		"bucket": bucket,
		"object": object,
	}).Debug("uploaded build context")
	return nil
}

// GrantReadAccess implements ObjectUploader. Adding an existing member is a
// no-op, so repeated grants are safe.
func (u *GCSUploader) GrantReadAccess(ctx context.Context, bucket, principal string) error {
	handle := u.client.Bucket(bucket).IAM()
	policy, err := handle.Policy(ctx)
	if err != nil {
		return xerrors.Errorf("cannot read IAM policy of %s: %w", bucket, err)
	}
	policy.Add("serviceAccount:"+principal, iam.RoleName("roles/storage.objectViewer"))
	if err := handle.SetPolicy(ctx, policy); err != nil {
		return xerrors.Errorf("cannot grant %s read access to %s: %w", principal, bucket, err)
	}
	return nil
}
