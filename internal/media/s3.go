// ABOUTME: Stores customer-shared media in S3-compatible object storage
// ABOUTME: Returns opaque s3:// references and presigned GET URLs for display

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	ErrTooLarge        = errors.New("media exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrInvalidRef      = errors.New("invalid media reference")
)

// Config describes the bucket and credentials.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // empty for AWS
	AccessKey string
	SecretKey string
	PathStyle bool
	MaxBytes  int64
	URLTTL    time.Duration
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Object is an uploaded file.
type Object struct {
	Ref         string `json:"media_ref"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Uploader puts media in a single bucket.
type Uploader struct {
	bucket   string
	maxBytes int64
	urlTTL   time.Duration
	put      objectPutter
	presign  getPresigner
	now      func() time.Time
}

// NewUploader builds an S3 client from static credentials.
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("bucket and region are required")
	}

	awsCfg := aws.Config{
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newUploader(cfg, client, s3.NewPresignClient(client)), nil
}

func newUploader(cfg Config, put objectPutter, presign getPresigner) *Uploader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	return &Uploader{
		bucket:   cfg.Bucket,
		maxBytes: cfg.MaxBytes,
		urlTTL:   cfg.URLTTL,
		put:      put,
		presign:  presign,
		now:      time.Now,
	}
}

// MaxBytes is the largest accepted upload.
func (u *Uploader) MaxBytes() int64 {
	return u.maxBytes
}

// Upload stores data for a conversation and returns its reference and a
// presigned URL. contentType is sniffed from data when empty.
func (u *Uploader) Upload(ctx context.Context, tenantID, conversationID string, data []byte, contentType string) (*Object, error) {
	if int64(len(data)) > u.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	ext, ok := extensionFor(mediaType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
	}

	key := u.objectKey(tenantID, conversationID, ext)
	_, err := u.put.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mediaType),
		ContentLength: aws.Int64(int64(len(data))),
		CacheControl:  aws.String("private, max-age=3600"),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading to s3: %w", err)
	}

	obj := &Object{
		Ref:         "s3://" + u.bucket + "/" + key,
		Key:         key,
		ContentType: mediaType,
		Size:        int64(len(data)),
	}
	if url, err := u.URL(ctx, obj.Ref); err == nil {
		obj.URL = url
	}
	return obj, nil
}

// URL presigns a GET for a reference produced by Upload.
func (u *Uploader) URL(ctx context.Context, ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, "s3://"+u.bucket+"/")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(u.urlTTL))
	if err != nil {
		return "", fmt.Errorf("presigning: %w", err)
	}
	return req.URL, nil
}

func (u *Uploader) objectKey(tenantID, conversationID, ext string) string {
	if conversationID == "" {
		conversationID = "unassigned"
	}
	return fmt.Sprintf("tenants/%s/conversations/%s/%s/%s%s",
		tenantID, conversationID, u.now().UTC().Format("2006/01/02"), uuid.New().String(), ext)
}

func extensionFor(mediaType string) (string, bool) {
	switch mediaType {
	case "image/jpeg":
		return ".jpg", true
	case "image/png":
		return ".png", true
	case "image/gif":
		return ".gif", true
	case "image/webp":
		return ".webp", true
	case "video/mp4":
		return ".mp4", true
	case "video/webm":
		return ".webm", true
	case "audio/ogg":
		return ".ogg", true
	case "audio/mpeg":
		return ".mp3", true
	case "application/pdf":
		return ".pdf", true
	}
	return "", false
}
