package hydrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher copies the artifact at a storage location into dst.
// dst is a fresh temp file; the hydrator hashes and renames it afterwards.
type Fetcher interface {
	Fetch(ctx context.Context, location string, dst *os.File) error
}

// Scheme returns the lowercase URI scheme of location. Bare paths are "file"
// and "https" is folded into "http".
func Scheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 0 {
		return "file"
	}
	s := strings.ToLower(location[:i])
	if s == "https" {
		return "http"
	}
	return s
}

// ─── Local Files ────────────────────────────────────────────────────────────

// FileFetcher copies from the local filesystem. Accepts file:// URIs and
// bare paths.
type FileFetcher struct{}

// Fetch implements Fetcher.
func (FileFetcher) Fetch(ctx context.Context, location string, dst *os.File) error {
	path := location
	if strings.HasPrefix(strings.ToLower(path), "file://") {
		path = path[len("file://"):]
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPFetcher streams http(s) locations.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, location string, dst *os.File) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: HTTP %d: %s", location, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("read body of %s: %w", location, err)
	}
	return nil
}

// ─── S3 ─────────────────────────────────────────────────────────────────────

// S3Config selects the bucket endpoint. Endpoint is optional and enables
// path-style addressing for S3-compatible stores (MinIO, R2).
type S3Config struct {
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// S3Fetcher downloads s3://bucket/key locations with the multipart
// download manager.
type S3Fetcher struct {
	downloader *manager.Downloader
}

// NewS3Fetcher builds a fetcher from the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
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
	return &S3Fetcher{downloader: manager.NewDownloader(client)}, nil
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, location string, dst *os.File) error {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return err
	}
	_, err = f.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", location, err)
	}
	return nil
}

// parseS3Location splits "s3://bucket/some/key" into bucket and key.
func parseS3Location(location string) (bucket, key string, err error) {
	if !strings.HasPrefix(strings.ToLower(location), "s3://") {
		return "", "", fmt.Errorf("%q is not an s3:// location", location)
	}
	rest := location[len("s3://"):]
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q: want s3://<bucket>/<key>", location)
	}
	return bucket, key, nil
}
