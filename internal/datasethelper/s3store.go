package datasethelper

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// s3Store is a content-addressed dataset backend keyed by unit id under a
// fixed bucket/prefix, grounded on the teacher's S3Client (NewFromConfig +
// config.LoadDefaultConfig), trimmed to the get/save shape this domain
// needs instead of streaming multipart upload/download.
type s3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Store(rest string) (Store, error) {
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("datasethelper: s3 reference missing bucket: %q", rest)
	}

	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("datasethelper: cannot load AWS config: %w", err)
	}
	return &s3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
	}, nil
}

func (s *s3Store) Name() string { return "s3" }

// Get fetches every object under <prefix>/<unitID>/ into scratchDir,
// reproducing the relative key layout on disk.
func (s *s3Store) Get(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	unitPrefix := s.keyFor(unit) + "/"
	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(unitPrefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("datasethelper: s3 list failed for %s: %w", unit, err)
		}
		for _, obj := range out.Contents {
			if err := s.downloadOne(ctx, *obj.Key, unitPrefix, scratchDir); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		continuationToken = out.NextContinuationToken
	}
}

func (s *s3Store) downloadOne(ctx context.Context, key, unitPrefix, scratchDir string) error {
	rel := strings.TrimPrefix(key, unitPrefix)
	if rel == "" {
		return nil
	}
	dest := filepath.Join(scratchDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("datasethelper: cannot create %s: %w", filepath.Dir(dest), err)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("datasethelper: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("datasethelper: cannot write %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("datasethelper: cannot stage %s: %w", dest, err)
	}
	return nil
}

// Save uploads every regular file under scratchDir to <prefix>/<unitID>/...
func (s *s3Store) Save(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	unitPrefix := s.keyFor(unit)
	return filepath.WalkDir(scratchDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(scratchDir, path)
		if err != nil {
			return err
		}
		key := unitPrefix + "/" + filepath.ToSlash(rel)

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("datasethelper: cannot open %s: %w", path, err)
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		if err != nil {
			return fmt.Errorf("datasethelper: s3 put %s: %w", key, err)
		}
		return nil
	})
}

func (s *s3Store) keyFor(unit bidsmodel.Unit) string {
	if s.prefix == "" {
		return unit.ID()
	}
	return s.prefix + "/" + unit.ID()
}
