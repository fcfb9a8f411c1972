// Package recording copies provider call recordings into object storage.
// Archival is strictly best-effort enrichment on the webhook path.
package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"roleplay-pipeline/internal/config"
)

// Archiver downloads a recording and uploads it to S3. A nil *Archiver is
// valid and means archiving is disabled.
type Archiver struct {
	cfg        config.Config
	httpClient *http.Client
	client     *s3.Client
	bucket     string
}

// New builds the archiver, or returns nil when no bucket is configured.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.RecordingS3Bucket == "" {
		return nil, nil
	}
	timeout := cfg.RecordingTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		client:     client,
		bucket:     cfg.RecordingS3Bucket,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.RecordingS3Region),
	}
	if cfg.RecordingS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.RecordingS3Endpoint,
					HostnameImmutable: cfg.RecordingS3PathStyle,
					SigningRegion:     cfg.RecordingS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.RecordingS3PathStyle
	}), nil
}

// Archive downloads the recording and stores it under
// recordings/{conversationID}.mp4, returning the object location.
func (a *Archiver) Archive(ctx context.Context, conversationID, recordingURL string) (string, error) {
	data, contentType, err := a.download(ctx, recordingURL)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "video/mp4"
	}

	key := fmt.Sprintf("recordings/%s.mp4", conversationID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download recording: status %d", resp.StatusCode)
	}

	limit := a.cfg.RecordingMaxBytes
	if limit == 0 {
		limit = 512 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read recording: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("recording too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
