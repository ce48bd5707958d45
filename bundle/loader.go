package bundle

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PinSuffix is appended to a bundle location to find its sidecar pin
const PinSuffix = ".sha256"

// ObjectGetter is the subset of the S3 client the loader needs
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches bundle bytes from local paths or s3:// URIs.
// It never verifies anything; the caller passes the bytes to integrity.Verify.
type Loader struct {
	Region string
	S3     ObjectGetter

	once    sync.Once
	initErr error
}

// Load reads the bundle at uri
func (l *Loader) Load(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, isS3, err := parseS3(uri)
	if err != nil {
		return nil, err
	}
	if isS3 {
		return l.loadS3(ctx, bucket, key)
	}
	path := strings.TrimPrefix(uri, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}
	return data, nil
}

// LoadPin returns explicit when set, otherwise reads the sidecar
// "<uri>.sha256". The sidecar may use sha256sum output format.
func (l *Loader) LoadPin(ctx context.Context, uri, explicit string) (string, error) {
	if explicit != "" {
		return strings.TrimSpace(explicit), nil
	}
	data, err := l.Load(ctx, uri+PinSuffix)
	if err != nil {
		return "", fmt.Errorf("no pin given and sidecar unreadable: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("pin sidecar %s%s is empty", uri, PinSuffix)
	}
	return fields[0], nil
}

func (l *Loader) loadS3(ctx context.Context, bucket, key string) ([]byte, error) {
	l.once.Do(func() {
		if l.S3 != nil {
			return
		}
		opts := []func(*config.LoadOptions) error{}
		if l.Region != "" {
			opts = append(opts, config.WithRegion(l.Region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			l.initErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		l.S3 = s3.NewFromConfig(cfg)
	})
	if l.initErr != nil {
		return nil, l.initErr
	}

	out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func parseS3(uri string) (bucket, key string, ok bool, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", false, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", false, fmt.Errorf("invalid bundle uri %s: %w", uri, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", false, fmt.Errorf("bundle uri %s must be s3://bucket/key", uri)
	}
	return u.Host, key, true, nil
}
