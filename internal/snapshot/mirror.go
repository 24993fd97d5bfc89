package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/time/rate"

	geoconfig "github.com/dbsmedya/geomatch/internal/config"
)

// Mirror copies snapshot files off the machine.
type Mirror interface {
	Name() string
	Upload(ctx context.Context, key, localPath string) error
}

// NewMirror builds the mirror named by cfg.Backend, or nil for "none".
func NewMirror(ctx context.Context, cfg geoconfig.MirrorConfig) (Mirror, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "s3":
		return NewS3Mirror(ctx, cfg)
	case "minio":
		return NewMinioMirror(cfg)
	}
	return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
}

// NewLimiter returns a byte-rate limiter for mbps megabytes per second, or
// nil when mbps is zero.
func NewLimiter(mbps float64) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bps := mbps * 1024 * 1024
	return rate.NewLimiter(rate.Limit(bps), int(bps))
}

// limitedReader blocks reads on a shared limiter.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func throttle(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

// S3Mirror uploads through the S3 transfer manager.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	limiter  *rate.Limiter
}

// NewS3Mirror builds a mirror from the default AWS credential chain.
func NewS3Mirror(ctx context.Context, cfg geoconfig.MirrorConfig) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3MirrorWithClient(client, cfg.Bucket, cfg.Prefix, NewLimiter(cfg.RateLimitMBps)), nil
}

// NewS3MirrorWithClient wraps an existing client.
func NewS3MirrorWithClient(client manager.UploadAPIClient, bucket, prefix string, limiter *rate.Limiter) *S3Mirror {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
		u.Concurrency = 4
	})
	return &S3Mirror{uploader: uploader, bucket: bucket, prefix: prefix, limiter: limiter}
}

// Name implements Mirror.
func (m *S3Mirror) Name() string { return "s3://" + path.Join(m.bucket, m.prefix) }

// Upload implements Mirror.
func (m *S3Mirror) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(path.Join(m.prefix, key)),
		Body:   throttle(ctx, f, m.limiter),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// MinioMirror uploads to MinIO or another S3-compatible server.
type MinioMirror struct {
	client  *minio.Client
	bucket  string
	prefix  string
	limiter *rate.Limiter
}

// NewMinioMirror connects with static credentials.
func NewMinioMirror(cfg geoconfig.MirrorConfig) (*MinioMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioMirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, limiter: NewLimiter(cfg.RateLimitMBps)}, nil
}

// Name implements Mirror.
func (m *MinioMirror) Name() string { return "minio://" + path.Join(m.bucket, m.prefix) }

// Upload implements Mirror.
func (m *MinioMirror) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = m.client.PutObject(ctx, m.bucket, path.Join(m.prefix, key), throttle(ctx, f, m.limiter), st.Size(),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
