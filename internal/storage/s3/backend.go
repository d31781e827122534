// Package s3 implements storage.Backend against S3-compatible object stores
// (AWS S3, MinIO, Ceph RGW).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/storage"
)

// partSize is the multipart upload part size. S3 requires parts of at least
// 5 MiB except the last.
const partSize = 8 << 20

// Config is a JSON-serializable config for S3 locations stored in the database.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements storage.Backend using the AWS SDK.
type Backend struct {
	client *s3.Client
	bucket string
}

// New creates an S3 backend and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	backend := &Backend{client: client, bucket: cfg.Bucket}
	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}
	return backend, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

func mapErr(op, key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return storage.NotFoundKey(key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return storage.NotFoundKey(key)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storage.Denied(err)
		}
	}
	return storage.Unavailable(fmt.Errorf("%s %s: %w", op, key, err))
}

// OpenRead opens an object for sequential reading.
func (b *Backend) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapErr("get_object", key, err)
	}
	return result.Body, nil
}

// RangeRead opens a byte range of an object using an HTTP Range request.
// length <= 0 reads from offset to the end.
func (b *Backend) RangeRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	var rangeStr string
	if length > 0 {
		rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	} else {
		rangeStr = fmt.Sprintf("bytes=%d-", offset)
	}
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeStr),
	})
	if err != nil {
		return nil, mapErr("get_object_range", key, err)
	}
	return result.Body, nil
}

// OpenWrite opens a streaming sink. Bytes are buffered into parts and
// uploaded via a multipart upload; small objects fall back to a single
// PutObject on Close. The object becomes visible only after a successful
// Close.
func (b *Backend) OpenWrite(ctx context.Context, key string) (io.WriteCloser, error) {
	return &s3Writer{backend: b, ctx: ctx, key: key, started: time.Now()}, nil
}

type s3Writer struct {
	backend  *Backend
	ctx      context.Context
	key      string
	started  time.Time
	buf      []byte
	uploadID string
	parts    []types.CompletedPart
	partNum  int32
	total    int64
	err      error
	done     bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.buf = append(w.buf, p...)
	for len(w.buf) >= partSize {
		if err := w.flushPart(w.buf[:partSize]); err != nil {
			w.err = err
			return 0, err
		}
		rest := copy(w.buf, w.buf[partSize:])
		w.buf = w.buf[:rest]
	}
	return len(p), nil
}

func (w *s3Writer) flushPart(data []byte) error {
	if w.uploadID == "" {
		out, err := w.backend.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.backend.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return mapErr("create_multipart", w.key, err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}
	w.partNum++
	out, err := w.backend.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.backend.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return mapErr("upload_part", w.key, err)
	}
	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	w.total += int64(len(data))
	return nil
}

// Close commits the object. If any Write failed, Close aborts the upload
// instead and returns the write error.
func (w *s3Writer) Close() error {
	if w.done {
		return w.err
	}
	w.done = true
	if w.err != nil {
		w.abortUpload()
		return w.err
	}

	if w.uploadID == "" {
		_, err := w.backend.client.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket:        aws.String(w.backend.bucket),
			Key:           aws.String(w.key),
			Body:          bytes.NewReader(w.buf),
			ContentLength: aws.Int64(int64(len(w.buf))),
		})
		if err != nil {
			w.err = mapErr("put_object", w.key, err)
			return w.err
		}
		logging.Debug("s3 put object",
			zap.String("key", w.key), zap.Int("size", len(w.buf)))
		return nil
	}

	if len(w.buf) > 0 {
		if err := w.flushPart(w.buf); err != nil {
			w.err = err
			w.abortUpload()
			return err
		}
		w.buf = nil
	}
	_, err := w.backend.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.backend.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.err = mapErr("complete_multipart", w.key, err)
		w.abortUpload()
		return w.err
	}
	logging.Debug("s3 multipart upload complete",
		zap.String("key", w.key),
		zap.Int64("size", w.total),
		zap.Int("parts", len(w.parts)),
		zap.Duration("elapsed", time.Since(w.started)))
	return nil
}

// Abort cancels the upload and leaves no partial object behind.
func (w *s3Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.abortUpload()
	return nil
}

func (w *s3Writer) abortUpload() {
	if w.uploadID == "" {
		return
	}
	// The caller's context may already be canceled; use a fresh one so the
	// abort still reaches the server.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := w.backend.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.backend.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		logging.Warn("abort multipart upload failed",
			zap.String("key", w.key), zap.Error(err))
	}
}

// Stat returns object metadata. A key with children but no object of its own
// is reported as a directory.
func (b *Backend) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		info := &storage.ObjectInfo{Key: key, Name: path.Base(key)}
		if head.ContentLength != nil {
			info.Size = *head.ContentLength
		}
		if head.LastModified != nil {
			info.ModTime = *head.LastModified
		}
		return info, nil
	}
	mapped := mapErr("head_object", key, err)
	if !errors.Is(mapped, storage.ErrNotFound) {
		return nil, mapped
	}

	prefix := strings.Trim(key, "/") + "/"
	list, listErr := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if listErr == nil && list.KeyCount != nil && *list.KeyCount > 0 {
		return &storage.ObjectInfo{Key: strings.Trim(key, "/"), Name: path.Base(key), IsDir: true}, nil
	}
	return nil, mapped
}

// List returns the direct children of a prefix using delimiter listing.
func (b *Backend) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	p := strings.Trim(prefix, "/")
	if p != "" {
		p += "/"
	}
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(p),
		Delimiter: aws.String("/"),
	})

	var out []storage.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapErr("list_objects", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			key := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			out = append(out, storage.ObjectInfo{Key: key, Name: path.Base(key), IsDir: true})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == p || strings.HasSuffix(key, "/") {
				continue
			}
			info := storage.ObjectInfo{Key: key, Name: path.Base(key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rename is not supported; object stores have no atomic rename.
func (b *Backend) Rename(_ context.Context, _, _ string) error {
	return storage.Unsupported("rename")
}

// Copy duplicates an object server-side.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	if err != nil {
		return mapErr("copy_object", srcKey, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapErr("delete_object", key, err)
	}
	return nil
}

// Mkdir is a no-op; object stores have no directories.
func (b *Backend) Mkdir(_ context.Context, _ string) error { return nil }

// Exists checks whether an object exists.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapErr("head_object", key, err)
		if errors.Is(mapped, storage.ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

// FreeSpace is unknown for object stores; capacity is the provider's problem.
func (b *Backend) FreeSpace() (int64, error) { return -1, nil }

// Descriptor identifies this backend.
func (b *Backend) Descriptor() capability.Descriptor {
	return capability.Descriptor{Type: "s3", Confined: true}
}

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
