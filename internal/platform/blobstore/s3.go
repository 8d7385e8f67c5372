package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

var sseAlgorithm = "AES256"

const (
	metaFileName  = "Filename"
	metaCategory  = "Category"
	metaHash      = "Sha256"
	metaCreatedBy = "Created-By"
)

// S3Config configures an S3BlobStore.
type S3Config struct {
	Bucket     string
	Prefix     string
	BaseURL    string
	MaxSize    int64
	PresignTTL time.Duration
}

// S3BlobStore stores blobs as S3 objects keyed by prefix + ID. Descriptive
// metadata travels as object metadata so HeadObject can answer GetMetadata.
type S3BlobStore struct {
	s3         *s3.S3
	bucket     string
	prefix     string
	baseURL    string
	maxSize    int64
	presignTTL time.Duration
}

// NewS3BlobStore returns a store backed by the given session.
func NewS3BlobStore(awsSession *session.Session, cfg S3Config) *S3BlobStore {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &S3BlobStore{
		s3:         s3.New(awsSession),
		bucket:     cfg.Bucket,
		prefix:     prefix,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxSize:    maxSize,
		presignTTL: cfg.PresignTTL,
	}
}

// NewS3Session builds an AWS session. A non-empty endpoint selects an
// S3-compatible service and forces path-style addressing.
func NewS3Session(region, endpoint string) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sess, nil
}

func (s *S3BlobStore) key(id string) string {
	return s.prefix + id
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}

	m := map[string]*string{
		metaFileName: aws.String(meta.FileName),
		metaCategory: aws.String(meta.Category),
		metaHash:     aws.String(meta.Hash),
	}
	if meta.CreatedBy != "" {
		m[metaCreatedBy] = aws.String(meta.CreatedBy)
	}
	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(meta.ID)),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(meta.Size),
		ContentType:          aws.String(meta.ContentType),
		ServerSideEncryption: aws.String(sseAlgorithm),
		Metadata:             m,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put %s: %w", meta.ID, err)
	}
	out := meta
	return &out, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, nil, mapS3Error(err)
	}
	meta := metadataFromObject(id, obj.ContentType, obj.ContentLength, obj.LastModified, obj.Metadata)
	return obj.Body, meta, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.GetMetadata(ctx, id); err != nil {
		return err
	}
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	return mapS3Error(err)
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	head, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return metadataFromObject(id, head.ContentType, head.ContentLength, head.LastModified, head.Metadata), nil
}

func (s *S3BlobStore) ViewURL(id string) string {
	return s.baseURL + ViewPath(id)
}

// PresignedURL returns a GET URL valid for the configured TTL. Without a
// TTL it returns ErrPresignUnavailable and the view route streams instead.
func (s *S3BlobStore) PresignedURL(_ context.Context, id string) (string, error) {
	if s.presignTTL <= 0 {
		return "", ErrPresignUnavailable
	}
	req, _ := s.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	return req.Presign(s.presignTTL)
}

func metadataFromObject(id string, contentType *string, length *int64, modified *time.Time, m map[string]*string) *BlobMetadata {
	meta := &BlobMetadata{
		ID:          id,
		ContentType: aws.StringValue(contentType),
		Size:        aws.Int64Value(length),
		CreatedAt:   aws.TimeValue(modified),
		FileName:    lookupMeta(m, metaFileName),
		Category:    lookupMeta(m, metaCategory),
		Hash:        lookupMeta(m, metaHash),
		CreatedBy:   lookupMeta(m, metaCreatedBy),
	}
	return meta
}

func lookupMeta(m map[string]*string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return aws.StringValue(v)
		}
	}
	return ""
}

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return ErrBlobNotFound
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
		return ErrBlobNotFound
	}
	return err
}
