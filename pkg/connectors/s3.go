package connectors

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// s3Config is the connection config for S3 connections.
type s3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

var s3SupportedExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".md": true, ".csv": true, ".tsv": true,
	".docx": true, ".xlsx": true, ".pptx": true,
}

// S3Connector pulls documents from an S3-compatible bucket. It is poll-only;
// object stores push no webhooks, so subscription calls are rejected.
type S3Connector struct {
	conn   *Connection
	client *s3.Client
	bucket string
	prefix string
	logger hclog.Logger
}

// NewS3 builds an S3 connector. Bucket, region, and credentials come from
// the connection config; a custom endpoint enables MinIO and friends.
func NewS3(ctx context.Context, conn *Connection, logger hclog.Logger) (*S3Connector, error) {
	var sc s3Config
	if err := mapstructure.Decode(conn.Config, &sc); err != nil {
		return nil, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid s3 connection config", err)
	}
	if sc.Bucket == "" {
		return nil, quarryerr.New(quarryerr.KindInvalidInput, "s3 connection requires config.bucket")
	}
	if sc.Region == "" {
		sc.Region = "us-east-1"
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(sc.Region)}
	if sc.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKey, sc.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Connector{
		conn:   conn,
		client: client,
		bucket: sc.Bucket,
		prefix: sc.Prefix,
		logger: logger.Named("s3").With("connection_id", conn.ID, "bucket", sc.Bucket),
	}, nil
}

func (c *S3Connector) Type() string { return TypeS3 }

// s3MimeAllowed applies only the selection overrides; the extension check
// already gates the supported set.
func s3MimeAllowed(s Selection, mimeType string) bool {
	for _, excluded := range s.ExcludeMimeTypes {
		if mimeType == excluded {
			return false
		}
	}
	if len(s.IncludeMimeTypes) > 0 {
		for _, included := range s.IncludeMimeTypes {
			if mimeType == included {
				return true
			}
		}
		return false
	}
	return true
}

// Authenticate verifies bucket access.
func (c *S3Connector) Authenticate(ctx context.Context) (bool, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return false, quarryerr.Wrap(quarryerr.KindUpstreamError, "bucket not accessible", err)
	}
	return true, nil
}

// ListFiles pages the bucket with ListObjectsV2. The page token is the S3
// continuation token.
func (c *S3Connector) ListFiles(ctx context.Context, pageToken string, limit int) (*FileList, error) {
	if limit <= 0 {
		limit = 100
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix)
	}
	if pageToken != "" {
		input.ContinuationToken = aws.String(pageToken)
	}

	res, err := c.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, quarryerr.Wrap(quarryerr.KindUpstreamError, "failed to list bucket", err)
	}

	list := &FileList{}
	if res.NextContinuationToken != nil {
		list.NextPageToken = *res.NextContinuationToken
	}
	for _, obj := range res.Contents {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}
		ext := strings.ToLower(path.Ext(key))
		if !s3SupportedExtensions[ext] {
			continue
		}
		if !c.conn.Selection.inScope(key) {
			continue
		}
		mimeType := mime.TypeByExtension(ext)
		if !s3MimeAllowed(c.conn.Selection, mimeType) {
			continue
		}
		f := File{
			ID:        key,
			Name:      path.Base(key),
			MimeType:  mimeType,
			Size:      aws.ToInt64(obj.Size),
			SourceURL: fmt.Sprintf("s3://%s/%s", c.bucket, key),
		}
		if obj.LastModified != nil {
			t := *obj.LastModified
			f.ModifiedTime = &t
		}
		list.Files = append(list.Files, f)
	}
	return list, nil
}

// GetFileContent downloads one object. The file id is the object key.
func (c *S3Connector) GetFileContent(ctx context.Context, fileID string) (*Content, error) {
	head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return nil, quarryerr.Wrap(quarryerr.KindNotFound, "object not found", err)
	}
	size := aws.ToInt64(head.ContentLength)
	if err := checkSize(fileID, size, false); err != nil {
		return nil, err
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout(size))
	defer cancel()

	var body []byte
	for attempt := 0; ; attempt++ {
		var res *s3.GetObjectOutput
		res, err = c.client.GetObject(dlCtx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(fileID),
		})
		if err == nil {
			body, err = io.ReadAll(res.Body)
			res.Body.Close()
		}
		if err == nil {
			break
		}
		if attempt >= 2 {
			return nil, quarryerr.Wrap(quarryerr.KindUpstreamError, "s3 download failed", err)
		}
		c.logger.Warn("s3 download failed, retrying", "key", fileID, "attempt", attempt+1, "error", err)
	}

	mimeType := aws.ToString(head.ContentType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(fileID))); byExt != "" {
			mimeType = byExt
		}
	}

	content := &Content{
		Bytes:     body,
		Filename:  path.Base(fileID),
		Mimetype:  mimeType,
		SourceURL: fmt.Sprintf("s3://%s/%s", c.bucket, fileID),
		Size:      int64(len(body)),
	}
	if head.LastModified != nil {
		t := *head.LastModified
		content.ModifiedTime = &t
	}
	return content, nil
}

// SetupSubscription is unsupported; S3 buckets are polled.
func (c *S3Connector) SetupSubscription(ctx context.Context, webhookURL string) (string, error) {
	return "", quarryerr.New(quarryerr.KindInvalidInput, "s3 connections do not support webhooks")
}

// HandleWebhook is unsupported for S3.
func (c *S3Connector) HandleWebhook(ctx context.Context, headers http.Header, body []byte) ([]string, error) {
	return nil, nil
}

// CleanupSubscription is a no-op for S3.
func (c *S3Connector) CleanupSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}
