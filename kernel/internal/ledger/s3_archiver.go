package ledger

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/canonical"
)

// Archiver copies a committed entry to cold storage and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, e *Entry) (string, error)
}

// S3Archiver writes canonical entry JSON to
//
//	s3://<bucket>/<prefix>/ledger/YYYY/MM/DD/<sequence>.json[.zst]
type S3Archiver struct {
	bucket   string
	prefix   string
	compress bool
	uploader *manager.Uploader
	encoder  *zstd.Encoder
}

// NewS3Archiver loads AWS configuration from the environment. With compress
// set, objects are zstd-encoded.
func NewS3Archiver(ctx context.Context, bucket, prefix string, compress bool) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a := &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		compress: compress,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		a.encoder = enc
	}
	return a, nil
}

// ObjectKey derives the storage key for e.
func ObjectKey(prefix string, e *Entry, compressed bool) string {
	ts := e.RecordedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	name := fmt.Sprintf("%020d.json", e.Sequence)
	if compressed {
		name += ".zst"
	}
	return path.Join(prefix, "ledger",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		name,
	)
}

// Archive uploads e with SSE-S3 encryption.
func (s *S3Archiver) Archive(ctx context.Context, e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}
	body, err := canonical.MarshalCanonical(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	contentType := "application/json"
	if s.compress {
		body = s.encoder.EncodeAll(body, nil)
		contentType = "application/zstd"
	}

	key := ObjectKey(s.prefix, e, s.compress)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
