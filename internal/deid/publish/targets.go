package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	gcs "cloud.google.com/go/storage"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
)

// FilesystemTarget copies the study zip under a local root directory.
type FilesystemTarget struct {
	Root string
}

func (t *FilesystemTarget) Name() string { return "filesystem" }

func (t *FilesystemTarget) Store(ctx context.Context, zipPath string, req Request) (string, apperrors.Error) {
	dest := filepath.Join(t.Root, ZipName(req.SubjectID, req.ObjectInfo01, req.ObjectInfo02, req.ObjectInfo03, req.UUID))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", ErrPublish.New("unable to create target dir").Err(err)
	}
	src, err := os.Open(zipPath)
	if err != nil {
		return "", ErrPublish.New("unable to open study zip").Err(err)
	}
	defer src.Close()
	dst, err := os.Create(dest)
	if err != nil {
		return "", ErrPublish.New("unable to create " + dest).Err(err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", ErrPublish.New("unable to copy study zip to " + dest).Err(err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	return abs, nil
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Target uploads the study zip to an S3 bucket.
type S3Target struct {
	Bucket   string
	TopLevel string
	Region   string

	client s3API
}

func NewS3Target(p config.TargetParam) *S3Target {
	return &S3Target{Bucket: p.S3Bucket, TopLevel: p.S3TopLevel, Region: p.S3Region}
}

func (t *S3Target) Name() string { return "s3" }

func (t *S3Target) api(ctx context.Context) (s3API, apperrors.Error) {
	if t.client != nil {
		return t.client, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if t.Region != "" {
		opts = append(opts, awsconfig.WithRegion(t.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, ErrPublish.New("unable to load AWS config").Err(err)
	}
	t.client = s3.NewFromConfig(awsCfg)
	return t.client, nil
}

func (t *S3Target) Store(ctx context.Context, zipPath string, req Request) (string, apperrors.Error) {
	client, aerr := t.api(ctx)
	if aerr != nil {
		return "", aerr
	}
	f, err := os.Open(zipPath)
	if err != nil {
		return "", ErrPublish.New("unable to open study zip").Err(err)
	}
	defer f.Close()

	key := ObjectKey(t.TopLevel, req.SubjectID, req.ObjectInfo01, req.ObjectInfo02, req.ObjectInfo03, req.UUID)
	contentType := "application/zip"
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &t.Bucket,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
	})
	if err != nil {
		return "", ErrPublish.New("s3 upload failed for " + key).Err(err)
	}
	return "s3://" + t.Bucket + "/" + key, nil
}

// GCSTarget uploads the study zip to a Google Cloud Storage bucket.
type GCSTarget struct {
	Bucket   string
	TopLevel string

	client *gcs.Client
}

func NewGCSTarget(p config.TargetParam) *GCSTarget {
	return &GCSTarget{Bucket: p.GCSBucket, TopLevel: p.GCSTopLevel}
}

func (t *GCSTarget) Name() string { return "gcs" }

func (t *GCSTarget) Store(ctx context.Context, zipPath string, req Request) (string, apperrors.Error) {
	if t.client == nil {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return "", ErrPublish.New("unable to create GCS client").Err(err)
		}
		t.client = client
	}

	f, err := os.Open(zipPath)
	if err != nil {
		return "", ErrPublish.New("unable to open study zip").Err(err)
	}
	defer f.Close()

	key := ObjectKey(t.TopLevel, req.SubjectID, req.ObjectInfo01, req.ObjectInfo02, req.ObjectInfo03, req.UUID)
	w := t.client.Bucket(t.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", ErrPublish.New("gcs upload failed for " + key).Err(err)
	}
	if err := w.Close(); err != nil {
		return "", ErrPublish.New("gcs upload failed for " + key).Err(err)
	}
	return "gs://" + t.Bucket + "/" + key, nil
}

// TargetsFromConfig builds the enabled targets from the target section.
func TargetsFromConfig(p config.TargetParam) []Target {
	var targets []Target
	if p.FilesystemRoot != "" {
		targets = append(targets, &FilesystemTarget{Root: p.FilesystemRoot})
	}
	if p.S3Bucket != "" {
		targets = append(targets, NewS3Target(p))
	}
	if p.GCSBucket != "" {
		targets = append(targets, NewGCSTarget(p))
	}
	return targets
}
